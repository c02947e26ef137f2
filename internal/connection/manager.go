package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/market-stream/internal/breaker"
	"github.com/rickgao/market-stream/internal/dispatch"
	"github.com/rickgao/market-stream/internal/health"
)

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// notification is one queued delivery: a state change or a message, plus the
// subscribers that were registered when it was observed.
type notification struct {
	subs   []*subscriber
	change *StateChange
	msg    *Message
}

// Manager keeps one stream to one Target alive and fans its traffic out to
// subscribers.
//
// Start, Stop, Send, Subscribe and Unsubscribe never block on the network or
// on subscriber callbacks. State transitions are serialized under a single
// lock and delivered to subscribers, in order, from one dispatcher goroutine.
// Callbacks may call back into the Manager, except Shutdown.
type Manager struct {
	cfg       ManagerConfig
	transport Transport
	logger    *slog.Logger
	reporter  health.Reporter
	breakers  *breaker.Registry
	shared    *breaker.Breaker
	after     afterFunc
	now       func() time.Time

	subs     *subscriberSet
	notify   *dispatch.Loop[notification]
	healthQ  *dispatch.Loop[health.Snapshot]
	tickStop chan struct{}
	tickDone chan struct{}

	messages       atomic.Int64
	heartbeats     atomic.Int64
	parseErrors    atomic.Int64
	handlerErrors  atomic.Int64
	droppedSends   atomic.Int64
	sessionsOpened atomic.Int64

	mu            sync.Mutex
	state         State
	target        Target
	hasTarget     bool
	log           *slog.Logger // logger tagged with the current target
	brk           *breaker.Breaker
	run           uint64 // bumped by Start/Stop; stale timers compare against it
	sess          *session
	lastDone      <-chan struct{}
	retryStop     func() bool
	stableStop    func() bool
	attempts      int
	lastErr       error
	upDownSince   time.Time
	holdsTrial    bool
	rejectedSince time.Time
	shutdown      bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithReporter sets the health sink.
func WithReporter(r health.Reporter) ManagerOption {
	return func(m *Manager) {
		m.reporter = r
	}
}

// WithBreaker shares an existing breaker with other managers.
func WithBreaker(b *breaker.Breaker) ManagerOption {
	return func(m *Manager) {
		m.shared = b
	}
}

// WithBreakerRegistry takes the breaker for each target from r, keyed by
// Target.Key().
func WithBreakerRegistry(r *breaker.Registry) ManagerOption {
	return func(m *Manager) {
		m.breakers = r
	}
}

// withAfterFunc replaces the timer implementation.
func withAfterFunc(after afterFunc) ManagerOption {
	return func(m *Manager) {
		m.after = after
	}
}

// NewManager creates an idle manager. transport is usually a SchemeTransport.
func NewManager(cfg ManagerConfig, transport Transport, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    slog.Default(),
		after:     timeAfterFunc,
		now:       time.Now,
		subs:      newSubscriberSet(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.log = m.logger

	m.notify = dispatch.NewLoop[notification](64, m.deliver)
	m.notify.Start()
	m.healthQ = dispatch.NewLoop[health.Snapshot](16, m.report)
	m.healthQ.Start()

	if m.reporter != nil && m.cfg.HealthInterval > 0 {
		m.tickStop = make(chan struct{})
		m.tickDone = make(chan struct{})
		go m.tickLoop()
	}
	return m
}

// Start connects to target. It is a no-op while already connecting to or
// open on an equal target; a different active target is closed
// intentionally first. Connection failures are reported through state
// changes, never returned.
func (m *Manager) Start(target Target) error {
	if m.transport == nil {
		return ErrNilTransport
	}
	if target.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidTarget)
	}
	if target.HeartbeatInterval <= 0 {
		target.HeartbeatInterval = m.cfg.HeartbeatInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrManagerClosed
	}
	if m.hasTarget && m.target == target && (m.state == StateConnecting || m.state == StateOpen) {
		return nil
	}
	if m.hasTarget && m.target != target {
		m.log.Info("replacing stream target", "new_target", target.Key())
		m.haltLocked()
	}

	m.cancelTimersLocked()
	m.run++
	m.target = target
	m.hasTarget = true
	m.log = m.logger.With("target", target.Key())
	m.brk = m.breakerFor(target)
	m.attempts = 0
	m.lastErr = nil
	m.rejectedSince = time.Time{}

	m.log.Info("stream starting", "url", target.URL)
	m.connectLocked()
	return nil
}

// Stop closes the stream intentionally and cancels any pending reconnect.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.run++
	if m.haltLocked() {
		m.log.Info("stream stopped")
	}
}

// Shutdown stops the stream, drains pending notifications and health
// reports, and removes all subscriptions. Must not be called from a handler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.run++
	m.haltLocked()
	m.shutdown = true
	lastDone := m.lastDone
	m.mu.Unlock()

	if m.tickStop != nil {
		close(m.tickStop)
		<-m.tickDone
	}
	m.notify.Close()
	m.healthQ.Close()

	for _, done := range []<-chan struct{}{m.notify.Done(), m.healthQ.Done(), lastDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			m.subs.clear()
			return ctx.Err()
		}
	}

	m.subs.clear()
	return nil
}

// Send forwards payload to the open session. When the stream is not open
// the payload is dropped and ErrNotConnected returned; nothing is queued
// across reconnects.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.sess == nil {
		m.droppedSends.Add(1)
		m.log.Warn("dropping send, stream not open", "state", m.state)
		return ErrNotConnected
	}
	if !m.sess.enqueue(payload) {
		m.droppedSends.Add(1)
		m.log.Warn("dropping send, queue full", "queue_size", m.cfg.SendQueueSize)
		return ErrSendQueueFull
	}
	return nil
}

// Subscribe registers handlers; either may be nil. The subscription only
// sees transitions and messages observed after it was added.
func (m *Manager) Subscribe(onMessage MessageHandler, onState StateHandler) SubscriptionID {
	return m.subs.add(onMessage, onState).id
}

// Unsubscribe removes a subscription. Safe to call from inside a handler.
func (m *Manager) Unsubscribe(id SubscriptionID) bool {
	return m.subs.remove(id)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns attempt_count for the current failure run.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent failure, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Target returns the current target.
func (m *Manager) Target() (Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target, m.hasTarget
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Messages:       m.messages.Load(),
		Heartbeats:     m.heartbeats.Load(),
		ParseErrors:    m.parseErrors.Load(),
		HandlerErrors:  m.handlerErrors.Load(),
		DroppedSends:   m.droppedSends.Load(),
		SessionsOpened: m.sessionsOpened.Load(),
		Subscribers:    m.subs.len(),
	}
}

// Health returns the current health snapshot.
func (m *Manager) Health() health.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(false)
}

func (m *Manager) breakerFor(target Target) *breaker.Breaker {
	switch {
	case m.shared != nil:
		return m.shared
	case m.breakers != nil:
		return m.breakers.For(target.Key())
	case m.brk != nil && m.brk.Name() == target.Key():
		return m.brk
	default:
		return breaker.New(target.Key(), m.cfg.Breaker)
	}
}

// connectLocked asks the breaker for permission and launches a session.
func (m *Manager) connectLocked() {
	allowed, trial := m.brk.Admit()
	if !allowed {
		m.rejectedLocked()
		return
	}
	m.holdsTrial = trial
	m.rejectedSince = time.Time{}

	m.transitionLocked(StateConnecting, nil, 0)

	s := newSession(m.target, m.transport, sessionConfig{
		ConnectTimeout:    m.cfg.ConnectTimeout,
		WriteTimeout:      m.cfg.WriteTimeout,
		HeartbeatInterval: m.target.HeartbeatInterval,
		SendQueueSize:     m.cfg.SendQueueSize,
	}, m, m.lastDone, m.log)
	m.sess = s
	m.lastDone = s.done
	s.start()
}

// rejectedLocked handles a breaker rejection: no transport call is made and
// a retry check is scheduled once the breaker may admit again.
func (m *Manager) rejectedLocked() {
	now := m.now()
	if m.rejectedSince.IsZero() {
		m.rejectedSince = now
	}

	if m.cfg.MaxOpenWait > 0 && now.Sub(m.rejectedSince) >= m.cfg.MaxOpenWait {
		pf := &PermanentFailure{Attempts: m.attempts, Err: ErrCircuitOpen}
		m.lastErr = pf
		m.log.Error("giving up on stream, circuit breaker stayed open",
			"open_for", now.Sub(m.rejectedSince),
		)
		m.transitionLocked(StateClosed, pf, 0)
		return
	}

	wait := m.cfg.Backoff.Delay(m.attempts)
	if rem := m.brk.Remaining(); rem > wait {
		wait = rem
	}
	m.lastErr = ErrCircuitOpen
	m.log.Warn("connection attempt rejected by circuit breaker", "retry_in", wait)
	m.transitionLocked(StateClosed, ErrCircuitOpen, wait)
	m.scheduleLocked(wait)
}

// failLocked handles a non-intentional session closure.
func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.holdsTrial = false
	m.brk.RecordFailure()
	m.attempts++

	if m.cfg.Backoff.Exhausted(m.attempts) {
		pf := &PermanentFailure{Attempts: m.attempts, Err: err}
		m.lastErr = pf
		m.log.Error("giving up on stream", "attempts", m.attempts, "error", err)
		m.transitionLocked(StateClosed, pf, 0)
		return
	}

	// Backoff sets the minimum wait; an open breaker may extend it.
	wait := m.cfg.Backoff.Delay(m.attempts - 1)
	if rem := m.brk.Remaining(); rem > wait {
		wait = rem
	}
	m.log.Warn("stream closed, reconnect scheduled",
		"attempt", m.attempts,
		"retry_in", wait,
		"error", err,
	)
	m.transitionLocked(StateClosed, err, wait)
	m.scheduleLocked(wait)
}

// markStableLocked ends the failure run after a successful open.
func (m *Manager) markStableLocked() {
	m.attempts = 0
	m.holdsTrial = false
	m.brk.RecordSuccess()
}

func (m *Manager) scheduleLocked(wait time.Duration) {
	run := m.run
	m.retryStop = m.after(wait, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.run != run || m.shutdown || m.sess != nil {
			return
		}
		m.retryStop = nil
		m.connectLocked()
	})
}

func (m *Manager) cancelTimersLocked() {
	if m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	if m.stableStop != nil {
		m.stableStop()
		m.stableStop = nil
	}
}

// haltLocked closes the active session intentionally. Reports whether there
// was one.
func (m *Manager) haltLocked() bool {
	m.cancelTimersLocked()
	if m.sess == nil {
		return false
	}

	s := m.sess
	m.sess = nil
	if m.holdsTrial {
		m.brk.Abandon()
		m.holdsTrial = false
	}
	m.transitionLocked(StateClosing, nil, 0)
	s.close()
	m.transitionLocked(StateClosed, nil, 0)
	return true
}

// transitionLocked records a state change and queues its notification and
// health snapshot.
func (m *Manager) transitionLocked(to State, reason error, retryIn time.Duration) {
	from := m.state
	now := m.now()

	m.state = to
	if m.upDownSince.IsZero() || (from == StateOpen) != (to == StateOpen) {
		m.upDownSince = now
	}

	change := StateChange{
		TargetID: m.target.Key(),
		From:     from,
		To:       to,
		Reason:   reason,
		Attempt:  m.attempts,
		RetryIn:  retryIn,
		At:       now,
	}
	m.log.Debug("stream state", "from", from, "to", to, "attempt", m.attempts)

	m.notify.Post(notification{subs: m.subs.snapshot(), change: &change})
	m.postHealthLocked(true)
}

func (m *Manager) postHealthLocked(transition bool) {
	if m.reporter == nil {
		return
	}
	m.healthQ.Post(m.snapshotLocked(transition))
}

func (m *Manager) snapshotLocked(transition bool) health.Snapshot {
	now := m.now()
	snap := health.Snapshot{
		TargetID:      m.target.Key(),
		State:         m.state.String(),
		Connected:     m.state == StateOpen,
		AttemptCount:  m.attempts,
		BreakerState:  breaker.StateClosed.String(),
		Messages:      m.messages.Load(),
		ParseErrors:   m.parseErrors.Load(),
		HandlerErrors: m.handlerErrors.Load(),
		DroppedSends:  m.droppedSends.Load(),
		Transition:    transition,
		At:            now,
	}
	if !m.upDownSince.IsZero() {
		snap.Since = now.Sub(m.upDownSince)
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	if m.brk != nil {
		snap.BreakerState = m.brk.State().String()
	}
	return snap
}

// sessionOpened implements sessionEvents.
func (m *Manager) sessionOpened(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.sess {
		return
	}
	m.sessionsOpened.Add(1)

	if m.cfg.StabilityWindow <= 0 {
		m.markStableLocked()
		m.transitionLocked(StateOpen, nil, 0)
		return
	}

	m.transitionLocked(StateOpen, nil, 0)
	run := m.run
	m.stableStop = m.after(m.cfg.StabilityWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.run != run || m.sess != s || m.state != StateOpen {
			return
		}
		m.stableStop = nil
		m.markStableLocked()
		m.log.Debug("stream stable, failure run reset")
		m.postHealthLocked(false)
	})
}

// sessionPayload implements sessionEvents.
func (m *Manager) sessionPayload(s *session, data []byte, receivedAt time.Time) {
	msg, err := Decode(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.sess || m.state != StateOpen {
		return
	}

	if err != nil {
		m.parseErrors.Add(1)
		m.log.Warn("failed to decode payload", "error", err)
		em := errorMessage(data, err, m.target.Key(), s.id, receivedAt)
		m.notify.Post(notification{subs: m.subs.snapshot(), msg: &em})
		return
	}

	msg.TargetID = m.target.Key()
	msg.SessionID = s.id
	msg.ReceivedAt = receivedAt

	switch msg.Kind {
	case KindHeartbeat:
		m.heartbeats.Add(1)
		return
	case KindData, KindError:
		m.messages.Add(1)
		m.notify.Post(notification{subs: m.subs.snapshot(), msg: &msg})
	}
}

// sessionClosed implements sessionEvents.
func (m *Manager) sessionClosed(s *session, err error, intentional bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.sess {
		return
	}
	m.sess = nil
	if m.stableStop != nil {
		m.stableStop()
		m.stableStop = nil
	}

	if intentional {
		if m.holdsTrial {
			m.brk.Abandon()
			m.holdsTrial = false
		}
		m.transitionLocked(StateClosed, nil, 0)
		return
	}
	m.failLocked(err)
}

// deliver runs on the dispatcher goroutine.
func (m *Manager) deliver(n notification) {
	for _, sub := range n.subs {
		if !sub.active.Load() {
			continue
		}
		switch {
		case n.change != nil && sub.onState != nil:
			m.invoke(sub, func() { sub.onState(*n.change) })
		case n.msg != nil && sub.onMessage != nil:
			m.invoke(sub, func() { sub.onMessage(*n.msg) })
		}
	}
}

// invoke isolates a subscriber callback.
func (m *Manager) invoke(sub *subscriber, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.handlerErrors.Add(1)
			m.logger.Error("subscriber handler failed",
				"error", &HandlerError{Subscription: sub.id, Value: r},
			)
		}
	}()
	fn()
}

// report runs on the health goroutine.
func (m *Manager) report(snap health.Snapshot) {
	if m.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReportTimeout)
	defer cancel()

	if err := m.reporter.Report(ctx, snap); err != nil {
		m.logger.Warn("health report failed", "target", snap.TargetID, "error", err)
	}
}

func (m *Manager) tickLoop() {
	defer close(m.tickDone)

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.tickStop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.hasTarget {
				m.postHealthLocked(false)
			}
			m.mu.Unlock()
		}
	}
}
