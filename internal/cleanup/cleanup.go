// Package cleanup implements the failed-spool-deletion retry queue
// spec.md §4.L describes: when a successfully-delivered (or
// permanently-failed) message's spool entry fails to delete, it is
// retried with exponential backoff instead of being silently
// abandoned, which would otherwise leak disk space.
//
// Ported from original_source/empath-delivery/src/queue/cleanup.rs's
// CleanupQueue/CleanupEntry, which has no chasquid analog (chasquid
// logs a deletion failure and moves on). The original backs its map
// with dashmap::DashMap for lock-free concurrent access; no Go example
// in the pack imports a concurrent-map library (see DESIGN.md), so this
// keeps chasquid's own mutex+map idiom (internal/queue/queue.go's
// Queue{mu sync.RWMutex; q map[...]...}) for the same problem instead
// of reaching for something the pack does not provide.
package cleanup

import (
	"sync"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/log"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

// Entry tracks one spool entry that failed to delete.
type Entry struct {
	MessageID    spool.ID
	AttemptCount int
	NextRetryAt  time.Time
	FirstFailure time.Time
}

// Queue is the process-wide cleanup retry set.
type Queue struct {
	// MaxAttempts bounds how many times deletion is retried before the
	// entry is dropped and a CRITICAL audit event is the only record
	// left, per spec §4.L. Zero means DefaultMaxAttempts.
	MaxAttempts int

	mu      sync.Mutex
	entries map[spool.ID]*Entry
}

// DefaultMaxAttempts mirrors spec §4.L's "capped by max_cleanup_attempts".
const DefaultMaxAttempts = 10

// New returns an empty Queue.
func New(maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{MaxAttempts: maxAttempts, entries: make(map[spool.ID]*Entry)}
}

// AddFailedDeletion records a first deletion failure for id, eligible
// for retry immediately.
func (q *Queue) AddFailedDeletion(id spool.ID, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[id] = &Entry{MessageID: id, AttemptCount: 1, NextRetryAt: now, FirstFailure: now}
}

// Len reports the number of entries awaiting cleanup.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// readyForRetry returns every entry whose NextRetryAt has passed.
func (q *Queue) readyForRetry(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []*Entry
	for _, e := range q.entries {
		if !e.NextRetryAt.After(now) {
			ready = append(ready, e)
		}
	}
	return ready
}

// Drain retries deletion for every entry ready at now, via delete. A
// success removes the entry; a failure reschedules it with
// next_retry_at := now + 2^attempt_count, capped at MaxAttempts, at
// which point the entry is dropped and a CRITICAL event logged (spec
// §4.L's "CRITICAL audit event + removal after cap").
func (q *Queue) Drain(now time.Time, delete func(spool.ID) error) {
	for _, e := range q.readyForRetry(now) {
		if err := delete(e.MessageID); err == nil {
			q.remove(e.MessageID)
			continue
		}
		q.scheduleRetry(e.MessageID, now)
	}
}

func (q *Queue) scheduleRetry(id spool.ID, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return
	}
	e.AttemptCount++
	if e.AttemptCount > q.MaxAttempts {
		delete(q.entries, id)
		log.Errorf("cleanup: giving up on deleting spooled message %s after %d attempts (first failed at %s)",
			id, e.AttemptCount-1, e.FirstFailure)
		return
	}
	delay := time.Duration(1<<uint(minInt(e.AttemptCount, 30))) * time.Second
	e.NextRetryAt = now.Add(delay)
}

func (q *Queue) remove(id spool.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
