package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errDialRefused = errors.New("dial refused")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is an in-memory Channel.
type fakeChannel struct {
	in     chan []byte
	sent   chan []byte
	failed chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Send(_ context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.sent <- payload:
		return nil
	default:
		return errors.New("fake channel send buffer full")
	}
}

func (c *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.failed:
		return nil, err
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeTransport fails the first failFirst opens (all of them when failAll is
// set) and hands out fakeChannels afterwards.
type fakeTransport struct {
	failFirst int
	failAll   bool

	calls  atomic.Int32
	opened chan *fakeChannel
}

func newFakeTransport(failFirst int) *fakeTransport {
	return &fakeTransport{
		failFirst: failFirst,
		opened:    make(chan *fakeChannel, 16),
	}
}

func (f *fakeTransport) Open(_ context.Context, _ Target) (Channel, error) {
	n := int(f.calls.Add(1))
	if f.failAll || n <= f.failFirst {
		return nil, errDialRefused
	}
	ch := newFakeChannel()
	f.opened <- ch
	return ch, nil
}

func (f *fakeTransport) Calls() int {
	return int(f.calls.Load())
}

func (f *fakeTransport) nextChannel(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-f.opened:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel to open")
		return nil
	}
}

// fakeTimers captures scheduled callbacks so tests decide when they fire.
type fakeTimers struct {
	scheduled chan *fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: make(chan *fakeTimer, 64)}
}

func (ft *fakeTimers) after(d time.Duration, f func()) func() bool {
	tm := &fakeTimer{d: d, f: f}
	ft.scheduled <- tm
	return func() bool {
		return tm.stopped.CompareAndSwap(false, true)
	}
}

func (ft *fakeTimers) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-ft.scheduled:
		return tm
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for timer to be scheduled")
		return nil
	}
}

func (ft *fakeTimers) pending() int {
	return len(ft.scheduled)
}

// fire runs the callback unless the timer was stopped.
func (tm *fakeTimer) fire() {
	if tm.stopped.Load() {
		return
	}
	tm.f()
}

// stateRecorder collects state changes from a subscription.
type stateRecorder struct {
	ch chan StateChange
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan StateChange, 128)}
}

func (r *stateRecorder) handle(sc StateChange) {
	r.ch <- sc
}

func (r *stateRecorder) expect(t *testing.T, want State) StateChange {
	t.Helper()
	select {
	case sc := <-r.ch:
		if sc.To != want {
			t.Fatalf("expected transition to %s, got %s -> %s (reason %v)", want, sc.From, sc.To, sc.Reason)
		}
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for transition to %s", want)
		return StateChange{}
	}
}

func (r *stateRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case sc := <-r.ch:
		t.Fatalf("unexpected transition %s -> %s", sc.From, sc.To)
	case <-time.After(50 * time.Millisecond):
	}
}

// messageRecorder collects messages from a subscription.
type messageRecorder struct {
	ch chan Message
}

func newMessageRecorder() *messageRecorder {
	return &messageRecorder{ch: make(chan Message, 128)}
}

func (r *messageRecorder) handle(msg Message) {
	r.ch <- msg
}

func (r *messageRecorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func (r *messageRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected message %q", msg.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}
