package dnscache

import (
	"context"
	"testing"
	"time"
)

func TestResolveMXOverrideBypassesLookup(t *testing.T) {
	c := NewCache(nil, time.Minute, 10)
	res, err := c.Resolve(context.Background(), "example.com", &DomainConfig{MXOverride: "mx.override.test"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Servers) != 1 || res.Servers[0].Host != "mx.override.test" || res.Servers[0].Priority != 0 {
		t.Errorf("Resolve with override = %+v, want single override server", res.Servers)
	}
}

func TestCacheHitAvoidsLookup(t *testing.T) {
	c := NewCache(nil, time.Minute, 10)
	c.insert("example.com", []MailServer{{Host: "mx1.example.com", Priority: 10}}, time.Minute)

	res, err := c.Resolve(context.Background(), "example.com", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.CacheHit {
		t.Error("expected a cache hit")
	}
	if len(res.Servers) != 1 || res.Servers[0].Host != "mx1.example.com" {
		t.Errorf("unexpected servers: %+v", res.Servers)
	}
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(nil, time.Minute, 10)
	c.insert("example.com", []MailServer{{Host: "mx1.example.com"}}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.lookupCache("example.com"); ok {
		t.Error("expired entry should not be returned by lookupCache")
	}
}

func TestCacheTTLCappedAtMax(t *testing.T) {
	c := NewCache(nil, 10*time.Second, 10)
	c.insert("example.com", []MailServer{{Host: "mx1.example.com"}}, time.Hour)

	c.mu.RLock()
	e := c.entries["example.com"]
	c.mu.RUnlock()

	if time.Until(e.expiry) > 11*time.Second {
		t.Errorf("TTL should have been capped to maxTTL, expires in %v", time.Until(e.expiry))
	}
}

func TestCacheEvictsLRUWhenFull(t *testing.T) {
	c := NewCache(nil, time.Minute, 2)
	c.insert("a.com", []MailServer{{Host: "mx.a.com"}}, time.Minute)
	time.Sleep(time.Millisecond)
	c.insert("b.com", []MailServer{{Host: "mx.b.com"}}, time.Minute)
	time.Sleep(time.Millisecond)

	// Touch a.com so it is more recently used than b.com.
	c.lookupCache("a.com")
	time.Sleep(time.Millisecond)

	c.insert("c.com", []MailServer{{Host: "mx.c.com"}}, time.Minute)

	if _, ok := c.lookupCache("b.com"); ok {
		t.Error("least recently used entry (b.com) should have been evicted")
	}
	if _, ok := c.lookupCache("a.com"); !ok {
		t.Error("recently touched entry (a.com) should survive eviction")
	}
}

func TestOrderServersSortsByPriority(t *testing.T) {
	servers := []MailServer{
		{Host: "c", Priority: 20},
		{Host: "a", Priority: 10},
		{Host: "b", Priority: 10},
	}
	orderServers(servers)

	if servers[2].Host != "c" {
		t.Errorf("highest-priority-number server should sort last, got %+v", servers)
	}
	seen := map[string]bool{servers[0].Host: true, servers[1].Host: true}
	if !seen["a"] || !seen["b"] {
		t.Errorf("both priority-10 servers should occupy the first two slots, got %+v", servers)
	}
}

func TestClearAndForceRefresh(t *testing.T) {
	c := NewCache(nil, time.Minute, 10)
	c.insert("example.com", []MailServer{{Host: "mx1.example.com"}}, time.Minute)

	c.ForceRefresh("example.com")
	if _, ok := c.lookupCache("example.com"); ok {
		t.Error("ForceRefresh should evict the entry")
	}

	c.insert("a.com", []MailServer{{Host: "mx.a.com"}}, time.Minute)
	c.insert("b.com", []MailServer{{Host: "mx.b.com"}}, time.Minute)
	c.Clear()
	if len(c.List()) != 0 {
		t.Error("Clear should remove every entry")
	}
}
