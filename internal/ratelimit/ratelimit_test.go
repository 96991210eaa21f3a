package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsWithinCapacity(t *testing.T) {
	l := New(2, 1)
	if d := l.Acquire("example.com"); !d.Allowed {
		t.Fatalf("first acquire denied: %+v", d)
	}
	if d := l.Acquire("example.com"); !d.Allowed {
		t.Fatalf("second acquire (within burst) denied: %+v", d)
	}
}

func TestLimiterDeniesOverCapacity(t *testing.T) {
	l := New(1, 0.001)
	if d := l.Acquire("example.com"); !d.Allowed {
		t.Fatalf("first acquire denied: %+v", d)
	}
	d := l.Acquire("example.com")
	if d.Allowed {
		t.Fatal("second immediate acquire should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denied decision should carry a positive RetryAfter, got %v", d.RetryAfter)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(1, 0.001)
	l.Acquire("a.com")
	if d := l.Acquire("b.com"); !d.Allowed {
		t.Errorf("a different domain's bucket must not be exhausted by a.com's use")
	}
}

func TestLimiterZeroCapacityIsNoop(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 5; i++ {
		if d := l.Acquire("example.com"); !d.Allowed {
			t.Fatalf("capacity=0 should mean unlimited, got denied on attempt %d", i)
		}
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, BaseTimeout: time.Hour, MaxTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should stay closed before threshold, iteration %d", i)
		}
		b.RecordResult(false)
	}
	if b.Stats().State != Closed {
		t.Fatalf("breaker opened too early: %+v", b.Stats())
	}

	b.Allow()
	b.RecordResult(false)
	if b.Stats().State != Open {
		t.Fatalf("breaker should be Open after %d consecutive failures, got %v", 3, b.Stats().State)
	}
	if b.Allow() {
		t.Error("Open breaker must reject attempts before openUntil")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, BaseTimeout: time.Millisecond, MaxTimeout: time.Second})

	b.Allow()
	b.RecordResult(false) // -> Open
	if b.Stats().State != Open {
		t.Fatalf("expected Open, got %v", b.Stats().State)
	}

	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow a single trial once openUntil has passed")
	}
	if b.Stats().State != HalfOpen {
		t.Fatalf("expected HalfOpen after the timeout elapses, got %v", b.Stats().State)
	}

	if b.Allow() {
		t.Error("HalfOpen must allow only a single concurrent trial")
	}

	b.RecordResult(true)
	if b.Stats().State != Closed {
		t.Fatalf("successful trial should close the breaker, got %v", b.Stats().State)
	}
}

func TestBreakerHalfOpenFailureReopensLonger(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, BaseTimeout: time.Millisecond, MaxTimeout: time.Hour})

	b.Allow()
	b.RecordResult(false)
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.RecordResult(false) // fail in HalfOpen -> Open again, longer timeout

	first := b.Stats().OpenUntil
	if b.Stats().State != Open {
		t.Fatalf("expected Open after HalfOpen failure, got %v", b.Stats().State)
	}

	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.RecordResult(false)
	second := b.Stats().OpenUntil

	if !second.After(first) {
		t.Errorf("repeated HalfOpen failures should extend the open window: first=%v second=%v", first, second)
	}
}

func TestRegistryIsKeyedPerDomain(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())
	a := r.Get("a.com")
	b := r.Get("b.com")
	if a == b {
		t.Error("distinct domains must get distinct breakers")
	}
	if r.Get("a.com") != a {
		t.Error("Get must return the same breaker on repeat calls for the same domain")
	}
}
