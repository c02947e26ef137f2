// Package breaker implements a three-state circuit breaker that gates
// connection attempts to one upstream target.
//
// A breaker is scoped to an operation class (one upstream target), not to a
// single connection, so it survives reconnects. Breakers may be shared between
// several stream managers pointed at the same target through a Registry; all
// methods are safe for concurrent use.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Check when the breaker rejects an attempt.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Rejecting attempts until OpenTimeout elapses
	StateHalfOpen              // A single trial attempt is permitted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults used when a Config field is zero.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultSuccessThreshold = 1
)

// Config configures a Breaker.
type Config struct {
	FailureThreshold int           // Consecutive failures that open the breaker
	OpenTimeout      time.Duration // Time spent Open before a trial is allowed
	SuccessThreshold int           // Consecutive HalfOpen successes required to close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return c
}

// Transition describes a state change, passed to the OnTransition hook.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	onTransition func(Transition)

	mu            sync.Mutex
	state         State
	failures      int // consecutive failures while Closed
	successes     int // consecutive trial successes while HalfOpen
	openedAt      time.Time
	trialInFlight bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithOnTransition registers a hook invoked after every state change.
// The hook runs outside the breaker lock.
func WithOnTransition(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// New creates a breaker in the Closed state.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name (usually the target ID).
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state, promoting Open to HalfOpen once the
// open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	t, changed := b.refreshLocked()
	state := b.state
	b.mu.Unlock()

	if changed {
		b.notify(t)
	}
	return state
}

// Allow reports whether an attempt may proceed. In HalfOpen it grants at most
// one trial at a time; the caller must follow up with RecordSuccess,
// RecordFailure or Abandon.
func (b *Breaker) Allow() bool {
	allowed, _ := b.Admit()
	return allowed
}

// Admit is Allow that also reports whether the caller now holds the HalfOpen
// trial slot.
func (b *Breaker) Admit() (allowed, trial bool) {
	b.mu.Lock()
	t, changed := b.refreshLocked()

	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
			trial = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(t)
	}
	return allowed, trial
}

// Check is Allow returning ErrOpen on rejection.
func (b *Breaker) Check() error {
	if !b.Allow() {
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var (
		t       Transition
		changed bool
	)
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			t = b.setStateLocked(StateClosed)
			changed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(t)
	}
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var (
		t       Transition
		changed bool
	)
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			t = b.setStateLocked(StateOpen)
			changed = true
		}
	case StateHalfOpen:
		t = b.setStateLocked(StateOpen)
		changed = true
	case StateOpen:
		// Late failure from an attempt started before the breaker opened.
		b.openedAt = b.now()
	}
	b.mu.Unlock()

	if changed {
		b.notify(t)
	}
}

// Abandon releases a HalfOpen trial slot without recording an outcome, for
// attempts cancelled by the caller.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// Remaining returns how long the breaker will keep rejecting attempts.
// It is zero unless the breaker is Open.
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	left := b.cfg.OpenTimeout - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Failures returns the consecutive failure count observed while Closed.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var (
		t       Transition
		changed bool
	)
	if b.state != StateClosed {
		t = b.setStateLocked(StateClosed)
		changed = true
	}
	b.failures = 0
	b.mu.Unlock()

	if changed {
		b.notify(t)
	}
}

// refreshLocked moves Open to HalfOpen once the timeout has elapsed.
func (b *Breaker) refreshLocked() (Transition, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return b.setStateLocked(StateHalfOpen), true
	}
	return Transition{}, false
}

func (b *Breaker) setStateLocked(to State) Transition {
	now := b.now()
	t := Transition{Name: b.name, From: b.state, To: to, At: now}

	b.state = to
	b.trialInFlight = false
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateOpen:
		b.openedAt = now
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}
	return t
}

func (b *Breaker) notify(t Transition) {
	if b.onTransition != nil {
		b.onTransition(t)
	}
}
