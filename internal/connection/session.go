package connection

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionEvents receives a session's lifecycle. Calls for one session are
// made from at most two goroutines (reader and owner) and never after
// sessionClosed.
type sessionEvents interface {
	sessionOpened(s *session)
	sessionPayload(s *session, data []byte, receivedAt time.Time)
	sessionClosed(s *session, err error, intentional bool)
}

type sessionConfig struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SendQueueSize     int
}

// session owns exactly one physical connection attempt.
type session struct {
	id        string
	target    Target
	transport Transport
	cfg       sessionConfig
	events    sessionEvents
	logger    *slog.Logger

	// prev is closed when the previous session for this target has
	// released its channel.
	prev <-chan struct{}

	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	reported atomic.Bool
}

func newSession(target Target, transport Transport, cfg sessionConfig, events sessionEvents, prev <-chan struct{}, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:        id,
		target:    target,
		transport: transport,
		cfg:       cfg,
		events:    events,
		logger:    logger.With("session", id),
		prev:      prev,
		outbound:  make(chan []byte, cfg.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// start runs the session on its own goroutine.
func (s *session) start() {
	go s.run()
}

// close requests termination without waiting. The session then reports an
// intentional close, which the manager ignores because it has already moved on.
func (s *session) close() {
	s.cancel()
}

// enqueue queues an outbound payload without blocking.
func (s *session) enqueue(payload []byte) bool {
	select {
	case s.outbound <- payload:
		return true
	default:
		return false
	}
}

func (s *session) run() {
	defer close(s.done)

	if s.prev != nil {
		select {
		case <-s.prev:
		case <-s.ctx.Done():
			s.report(nil, true)
			return
		}
	}

	openCtx, cancelOpen := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	ch, err := s.transport.Open(openCtx, s.target)
	cancelOpen()

	if err != nil {
		if s.ctx.Err() != nil {
			s.report(nil, true)
			return
		}
		s.report(&ConnectError{URL: s.target.URL, Err: err}, false)
		return
	}
	if s.ctx.Err() != nil {
		ch.Close()
		s.report(nil, true)
		return
	}

	s.events.sessionOpened(s)
	s.serve(ch)
}

// serve pumps the channel until it fails or the session is cancelled.
func (s *session) serve(ch Channel) {
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			data, err := ch.Receive(s.ctx)
			if err != nil {
				readErr <- err
				return
			}
			s.events.sessionPayload(s, data, time.Now())
		}
	}()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// fail closes the channel and reports after the reader has delivered
	// everything it received.
	fail := func(err error) {
		ch.Close()
		<-readDone
		s.report(&TransportClosedError{SessionID: s.id, Err: err}, false)
	}

	for {
		select {
		case <-s.ctx.Done():
			ch.Close()
			<-readDone
			s.report(nil, true)
			return

		case err := <-readErr:
			if s.ctx.Err() != nil {
				ch.Close()
				s.report(nil, true)
				return
			}
			fail(err)
			return

		case payload := <-s.outbound:
			if err := s.write(ch, payload); err != nil {
				if s.ctx.Err() == nil {
					fail(err)
					return
				}
			}

		case <-heartbeat.C:
			// No reply is required; only a failed write counts.
			if err := s.write(ch, HeartbeatProbe); err != nil {
				if s.ctx.Err() == nil {
					fail(err)
					return
				}
			}
			s.logger.Debug("heartbeat sent")
		}
	}
}

func (s *session) write(ch Channel, payload []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return ch.Send(ctx, payload)
}

// report delivers the termination exactly once.
func (s *session) report(err error, intentional bool) {
	if !s.reported.CompareAndSwap(false, true) {
		return
	}
	s.logger.Debug("session closed", "intentional", intentional, "error", err)
	s.events.sessionClosed(s, err, intentional)
}
