// Package backoff computes reconnect delays for a failure run.
package backoff

import "time"

// Defaults used when a Policy field is zero.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
)

// Policy maps an attempt count to a wait duration:
//
//	delay = min(BaseDelay * 2^attempt, MaxDelay)
//
// No jitter is applied.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // Retries allowed in one failure run before giving up
}

// DefaultPolicy returns the 1s / 30s / 10 attempts policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before the retry that follows attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if base >= max {
		return max
	}

	wait := base
	for i := 0; i < attempt; i++ {
		// Doubling past max/2 would exceed max (and eventually overflow).
		if wait > max/2 {
			return max
		}
		wait *= 2
	}
	return wait
}

// Exhausted reports whether attempts has reached MaxAttempts.
func (p Policy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attempts >= max
}
