package ratelimit

import (
	"sync"
	"time"
)

// State is a circuit breaker's current mode, spec.md §4.I's three-state
// machine.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one domain's breaker.
type BreakerConfig struct {
	FailureThreshold int
	BaseTimeout      time.Duration
	MaxTimeout       time.Duration
}

// DefaultBreakerConfig mirrors fenilsonani's DefaultConfig defaults,
// adjusted to spec.md's per-domain SMTP delivery cadence rather than a
// generic RPC call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		BaseTimeout:      30 * time.Second,
		MaxTimeout:       30 * time.Minute,
	}
}

// Breaker is a single per-domain three-state circuit breaker, grounded
// on fenilsonani-email-server/internal/resilience/circuitbreaker.go's
// CircuitBreaker: state and counters are guarded by one mutex, held
// only inside Allow, RecordResult and Stats, never across the delivery
// attempt itself.
// Empath's breaker does not wrap the call (Execute) the way fenilsonani's
// does; the delivery processor calls Allow before attempting delivery
// and RecordResult after, since the SMTP transaction itself needs its
// own typed-error handling (internal/courier), not a generic func() error.
type Breaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openUntil        time.Time
	reopenCount      int
	lastTransition   time.Time
}

// NewBreaker returns a Closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: Closed, lastTransition: time.Now()}
}

// Allow reports whether a delivery attempt may proceed now. Open
// rejects until openUntil passes, at which point the breaker advances
// to HalfOpen and allows exactly one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(b.openUntil) {
			return false
		}
		b.transitionLocked(HalfOpen)
		return true
	case HalfOpen:
		// Only the first trial after opening is allowed; Allow is
		// expected to be paired 1:1 with RecordResult by the caller, so
		// a second concurrent Allow while the trial is outstanding is
		// treated as a reject to keep the trial singular.
		return false
	default:
		return true
	}
}

// RecordResult reports the outcome of an attempt Allow most recently
// admitted.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if success {
			b.consecutiveFails = 0
			b.reopenCount = 0
			b.transitionLocked(Closed)
		} else {
			b.reopenCount++
			b.openBreakerLocked()
		}
	case Closed:
		if success {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.openBreakerLocked()
		}
	}
}

func (b *Breaker) openBreakerLocked() {
	timeout := b.cfg.BaseTimeout << uint(b.reopenCount)
	if timeout > b.cfg.MaxTimeout || timeout <= 0 {
		timeout = b.cfg.MaxTimeout
	}
	b.openUntil = time.Now().Add(timeout)
	b.transitionLocked(Open)
}

func (b *Breaker) transitionLocked(s State) {
	b.state = s
	b.lastTransition = time.Now()
}

// Stats is a point-in-time snapshot for the control plane.
type Stats struct {
	State            State
	ConsecutiveFails int
	LastTransition   time.Time
	OpenUntil        time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		LastTransition:   b.lastTransition,
		OpenUntil:        b.openUntil,
	}
}

// Registry is a keyed set of per-domain breakers, analogous to
// fenilsonani's BreakerRegistry but specialised to string domain keys
// and a fixed BreakerConfig rather than a per-key config callback:
// every domain's breaker gets the same cfg, and a DomainConfig's
// circuit_breaker settings are not consulted.
type Registry struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty Registry using cfg for every new domain.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for domain, creating one under cfg if it does
// not yet exist (double-checked locking, per fenilsonani's Get).
func (r *Registry) Get(domain string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[domain]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[domain]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[domain] = b
	return b
}

// All returns a snapshot of every tracked domain's stats, for the
// control plane's introspection surface.
func (r *Registry) All() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for domain, b := range r.breakers {
		out[domain] = b.Stats()
	}
	return out
}
