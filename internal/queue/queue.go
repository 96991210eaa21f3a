// Package queue implements the in-memory delivery index spec.md §4.H
// describes: id -> DeliveryInfo, one entry per (message, recipient
// domain) pair. The spool is the source of truth; the queue is rebuilt
// from it on every process start via ScanSpool.
//
// Grounded on chasquid's own internal/queue/queue.go Queue{mu
// sync.RWMutex; q map[string]*Item} shape — the mutex+map idiom, not
// the protobuf-backed Item/SendLoop machinery, which internal/delivery
// replaces with spec.md §4.K's scan/partition/dispatch cycle. No
// concurrent-map library appears in any example go.mod (see
// DESIGN.md), so this keeps chasquid's own idiom for the same problem
// rather than reaching for something the pack does not provide.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

// DeliveryInfo is one in-memory index entry: the delivery progress for
// a single recipient domain of a single spooled message.
type DeliveryInfo struct {
	MessageID   spool.ID
	Domain      string
	Status      spool.DeliveryStatus
	Attempts    int
	ServerIndex int
	QueuedAt    time.Time
	NextRetryAt time.Time
}

type key struct {
	id     spool.ID
	domain string
}

// Queue is the process-wide delivery index.
type Queue struct {
	mu    sync.RWMutex
	items map[key]*DeliveryInfo
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{items: make(map[key]*DeliveryInfo)}
}

// Len reports the number of tracked (message, domain) entries.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Put inserts or replaces an entry.
func (q *Queue) Put(info *DeliveryInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[key{info.MessageID, info.Domain}] = info
}

// Get returns the entry for (id, domain), if any.
func (q *Queue) Get(id spool.ID, domain string) (*DeliveryInfo, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	info, ok := q.items[key{id, domain}]
	return info, ok
}

// Remove drops the entry for (id, domain).
func (q *Queue) Remove(id spool.ID, domain string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, key{id, domain})
}

// RemoveMessage drops every domain entry belonging to id, used once a
// message is fully Completed/Failed/Expired and removed from the spool.
func (q *Queue) RemoveMessage(id spool.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.items {
		if k.id == id {
			delete(q.items, k)
		}
	}
}

// Snapshot returns every tracked entry. The returned pointers alias the
// queue's own *DeliveryInfo values, matching chasquid's own direct
// map-access idiom: a caller holding the processor's exclusive access
// to one entry (via the Pending→InProgress transition) may mutate it
// in place, with Put/persistence making the change visible to later
// snapshots.
func (q *Queue) Snapshot() []*DeliveryInfo {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*DeliveryInfo, 0, len(q.items))
	for _, info := range q.items {
		out = append(out, info)
	}
	return out
}

// DueForRetry returns every Pending or Retry entry whose NextRetryAt
// has passed, ordered by NextRetryAt ascending so the oldest work is
// dispatched first.
func (q *Queue) DueForRetry(now time.Time) []*DeliveryInfo {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var due []*DeliveryInfo
	for _, info := range q.items {
		if info.Status != spool.Pending && info.Status != spool.Retry {
			continue
		}
		if !info.NextRetryAt.After(now) {
			due = append(due, info)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	return due
}

// ScanSpool rebuilds the queue from backend: the spool is the source of
// truth. For each spooled message, a persisted DeliveryContext restores
// status/attempts/server-index/next-retry; a message with no persisted
// delivery state yet gets one fresh DeliveryInfo per unique recipient
// domain. Any InProgress entry is reset to Pending, since InProgress
// surviving to the next startup means the prior process crashed
// mid-delivery (spec.md §9: "startup converts any InProgress back to
// Pending").
func (q *Queue) ScanSpool(backend spool.Backend) error {
	ids, err := backend.List()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[key]*DeliveryInfo, len(ids))

	for _, id := range ids {
		ctx, err := backend.Read(id)
		if err != nil {
			continue
		}

		if len(ctx.Deliveries) > 0 {
			for domain, d := range ctx.Deliveries {
				status := d.Status
				if status == spool.InProgress {
					status = spool.Pending
				}
				q.items[key{id, domain}] = &DeliveryInfo{
					MessageID:   id,
					Domain:      domain,
					Status:      status,
					Attempts:    d.Attempts(),
					ServerIndex: d.ServerIndex,
					QueuedAt:    d.QueuedAt,
					NextRetryAt: d.NextRetryAt,
				}
			}
			continue
		}

		for _, domain := range uniqueDomains(ctx) {
			q.items[key{id, domain}] = &DeliveryInfo{
				MessageID: id,
				Domain:    domain,
				Status:    spool.Pending,
				QueuedAt:  ctx.ReceivedAt,
			}
		}
	}
	return nil
}

func uniqueDomains(ctx *spool.Context) []string {
	seen := map[string]bool{}
	var domains []string
	for _, r := range ctx.Envelope.Recipients {
		if !seen[r.Domain] {
			seen[r.Domain] = true
			domains = append(domains, r.Domain)
		}
	}
	return domains
}
