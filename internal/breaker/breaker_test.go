package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, cfg Config, opts ...Option) *Breaker {
	return New("test", cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 3, OpenTimeout: 10 * time.Second})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 10*time.Second, b.Remaining())
}

func TestBreaker_FiveFailuresThresholdThree(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	attempts := 0
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			continue
		}
		attempts++
		b.RecordFailure()
	}

	assert.Equal(t, 3, attempts, "attempts 4 and 5 must be rejected")
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Check(), ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: 5 * time.Second})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(4 * time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, time.Second, b.Remaining())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, time.Duration(0), b.Remaining())

	assert.True(t, b.Allow(), "one trial allowed")
	assert.False(t, b.Allow(), "second concurrent trial rejected")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenNeedsSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	clock.Advance(time.Second)

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "single success must not close")

	require.True(t, b.Allow(), "next trial allowed after first completes")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: 3 * time.Second})

	b.RecordFailure()
	clock.Advance(3 * time.Second)
	require.True(t, b.Allow())

	clock.Advance(500 * time.Millisecond)
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3*time.Second, b.Remaining(), "timeout restarts at the trial failure")
	assert.False(t, b.Allow())
}

func TestBreaker_AbandonReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second})

	b.RecordFailure()
	clock.Advance(time.Second)

	require.True(t, b.Allow())
	require.False(t, b.Allow())

	b.Abandon()
	assert.True(t, b.Allow())
}

func TestBreaker_OnTransition(t *testing.T) {
	clock := newFakeClock()

	var (
		mu   sync.Mutex
		seen []Transition
	)
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second},
		WithOnTransition(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}))

	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, StateOpen, seen[0].To)
	assert.Equal(t, StateHalfOpen, seen[1].To)
	assert.Equal(t, StateClosed, seen[2].To)
	assert.Equal(t, "test", seen[0].Name)
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_ConcurrentHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second})

	b.RecordFailure()
	clock.Advance(time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRegistry_SharesBreakerPerKey(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2})

	a1 := r.For("binance")
	a2 := r.For("binance")
	b := r.For("kraken")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)

	a1.RecordFailure()
	a2.RecordFailure()
	assert.Equal(t, StateOpen, r.For("binance").State())

	states := r.States()
	assert.Equal(t, StateOpen, states["binance"])
	assert.Equal(t, StateClosed, states["kraken"])
}

func TestBreaker_AdmitReportsTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Config{FailureThreshold: 1, OpenTimeout: time.Second})

	allowed, trial := b.Admit()
	assert.True(t, allowed)
	assert.False(t, trial)

	b.RecordFailure()
	allowed, trial = b.Admit()
	assert.False(t, allowed)
	assert.False(t, trial)

	clock.Advance(time.Second)
	allowed, trial = b.Admit()
	assert.True(t, allowed)
	assert.True(t, trial)
}
