package dnscache

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DomainConfig carries the per-domain policy overrides spec.md's
// control-plane / config sections describe; only the MX override is
// dnscache's concern.
type DomainConfig struct {
	MXOverride string
}

// Result is the outcome of a Resolve call, including whether it was
// served from cache so the caller can emit the DnsLookup lifecycle
// event with cache_status set accordingly (spec.md §4.G step 1).
type Result struct {
	Servers     []MailServer
	CacheHit    bool
	DomainError error
}

type entry struct {
	servers []MailServer
	expiry  time.Time
	lastUse time.Time
}

// Cache resolves domains via Client, caching results keyed by domain
// with TTL-driven lazy eviction and a soft LRU cap. Concurrent
// cache-miss lookups for the same domain collapse via
// golang.org/x/sync/singleflight (foxcpp-maddy dependency), so a burst
// of deliveries to one domain triggers one DNS exchange, not N.
type Cache struct {
	client *Client
	maxTTL time.Duration
	maxLen int

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

// NewCache returns a Cache backed by client. maxTTL caps how long an
// entry is trusted regardless of the DNS answer's own TTL; maxLen is
// the soft capacity before LRU eviction kicks in.
func NewCache(client *Client, maxTTL time.Duration, maxLen int) *Cache {
	return &Cache{
		client:  client,
		maxTTL:  maxTTL,
		maxLen:  maxLen,
		entries: make(map[string]*entry),
	}
}

// Resolve returns the ordered MailServer list for domain, following
// spec.md §4.G's steps with the MX override checked first: MX override
// (answered without a lookup and never cached), cache, MX query
// (falling back to A/AAAA), priority sort with randomised ties, then
// cache insert.
func (c *Cache) Resolve(ctx context.Context, domain string, override *DomainConfig) (Result, error) {
	if override != nil && override.MXOverride != "" {
		return Result{Servers: []MailServer{{Host: override.MXOverride, Priority: 0, Port: 25}}}, nil
	}

	if servers, ok := c.lookupCache(domain); ok {
		return Result{Servers: servers, CacheHit: true}, nil
	}

	v, err, _ := c.group.Do(domain, func() (interface{}, error) {
		servers, ttl, err := c.client.lookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		orderServers(servers)
		c.insert(domain, servers, ttl)
		return servers, nil
	})
	if err != nil {
		return Result{DomainError: err}, err
	}
	return Result{Servers: v.([]MailServer)}, nil
}

func (c *Cache) lookupCache(domain string) ([]MailServer, bool) {
	c.mu.RLock()
	e, ok := c.entries[domain]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiry) {
		c.mu.Lock()
		delete(c.entries, domain)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	e.lastUse = time.Now()
	c.mu.Unlock()
	return e.servers, true
}

func (c *Cache) insert(domain string, servers []MailServer, ttl time.Duration) {
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxLen > 0 && len(c.entries) >= c.maxLen {
		c.evictLRULocked()
	}
	c.entries[domain] = &entry{servers: servers, expiry: time.Now().Add(ttl), lastUse: time.Now()}
}

func (c *Cache) evictLRULocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldest.IsZero() || e.lastUse.Before(oldest) {
			oldest = e.lastUse
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// orderServers sorts by priority ascending, randomising order within
// equal priorities, per spec.md §4.G step 4.
func orderServers(servers []MailServer) {
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Priority < servers[j].Priority })

	start := 0
	for start < len(servers) {
		end := start + 1
		for end < len(servers) && servers[end].Priority == servers[start].Priority {
			end++
		}
		shuffleRange(servers[start:end])
		start = end
	}
}

func shuffleRange(s []MailServer) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// List returns a snapshot of every cached domain's servers, for the
// control plane's DNS introspection surface (spec.md §4.G: "list,
// clear, force-refresh").
func (c *Cache) List() map[string][]MailServer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]MailServer, len(c.entries))
	for domain, e := range c.entries {
		out[domain] = e.servers
	}
	return out
}

// Clear removes every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// ForceRefresh evicts domain's cache entry so the next Resolve call
// performs a fresh DNS exchange.
func (c *Cache) ForceRefresh(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domain)
}
