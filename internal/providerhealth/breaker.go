// Package providerhealth tracks provider-level availability with a circuit
// breaker per provider id. It is a transport-health signal, independent of
// any single key's quota: a provider can be down for every key at once.
// The routing engine consults it as an extra eligibility filter.
package providerhealth

import (
	"sync"
	"time"
)

// State represents the current state of one provider's circuit.
type State int

const (
	// Closed is the normal operating state: the provider receives traffic.
	Closed State = iota
	// Open means the circuit has tripped: the provider's keys are skipped.
	Open
	// HalfOpen allows a single probe request through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

type breaker struct {
	state        State
	failureCount int
	lastTripped  time.Time
}

// Tracker is a goroutine-safe set of per-provider circuit breakers.
type Tracker struct {
	mu               sync.Mutex
	breakers         map[string]*breaker
	failureThreshold int
	cooldown         time.Duration
	onStateChange    func(providerID string, from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets the number of consecutive failures required to trip a
// provider's circuit from Closed to Open. The default is 3.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.failureThreshold = n
		}
	}
}

// WithCooldown sets how long a circuit stays Open before transitioning to
// HalfOpen. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every circuit
// transition. The callback is invoked while the tracker's mutex is held, so
// it must not call back into the tracker.
func WithOnStateChange(fn func(providerID string, from, to State)) Option {
	return func(t *Tracker) {
		t.onStateChange = fn
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(t *Tracker) {
		t.nowFunc = fn
	}
}

// NewTracker creates a Tracker with all circuits Closed.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		breakers:         make(map[string]*breaker),
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Allow reports whether the provider should receive the next request.
//
// Closed circuits always allow. Open circuits reject until the cooldown has
// elapsed, then transition to HalfOpen and allow a single probe. HalfOpen
// circuits reject further requests while the probe is in flight.
func (t *Tracker) Allow(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.getOrCreate(providerID)
	switch b.state {
	case Closed:
		return true
	case Open:
		if t.nowFunc().After(b.lastTripped.Add(t.cooldown)) {
			t.setState(providerID, b, HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful adapter call. A HalfOpen probe success
// closes the circuit; in Closed state the failure counter resets.
func (t *Tracker) RecordSuccess(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.getOrCreate(providerID)
	b.failureCount = 0
	if b.state == HalfOpen {
		t.setState(providerID, b, Closed)
	}
}

// RecordFailure records a failed adapter call. In Closed state it increments
// the consecutive failure counter and trips at the threshold; a failed
// HalfOpen probe reopens immediately.
func (t *Tracker) RecordFailure(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.getOrCreate(providerID)
	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= t.failureThreshold {
			t.setState(providerID, b, Open)
			b.lastTripped = t.nowFunc()
		}
	case HalfOpen:
		t.setState(providerID, b, Open)
		b.lastTripped = t.nowFunc()
	}
}

// CurrentState returns the provider's circuit state. Note: in Open state
// this does NOT check the cooldown timer; use Allow for that.
func (t *Tracker) CurrentState(providerID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreate(providerID).state
}

func (t *Tracker) getOrCreate(providerID string) *breaker {
	b, ok := t.breakers[providerID]
	if !ok {
		b = &breaker{state: Closed}
		t.breakers[providerID] = b
	}
	return b
}

// setState transitions a circuit and fires the callback if registered.
// Caller must hold t.mu.
func (t *Tracker) setState(providerID string, b *breaker, to State) {
	from := b.state
	b.state = to
	if t.onStateChange != nil && from != to {
		t.onStateChange(providerID, from, to)
	}
}
