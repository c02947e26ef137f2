package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// TargetPlaceholder in a NATS subject is replaced by Target.Key().
const TargetPlaceholder = "{target}"

// NATSConfig configures a NATSTransport.
type NATSConfig struct {
	InboundSubject  string // Subscribed for upstream messages, e.g. "md.{target}.in"
	OutboundSubject string // Published for Send and liveness probes
	BufferSize      int    // Inbound channel buffer
	Name            string // Client connection name
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		InboundSubject:  "market." + TargetPlaceholder + ".in",
		OutboundSubject: "market." + TargetPlaceholder + ".out",
		BufferSize:      4096,
		Name:            "market-stream",
	}
}

// NATSTransport treats a NATS subject pair as a stream. Client-side
// reconnects are disabled so the manager's backoff and breaker stay in charge.
type NATSTransport struct {
	cfg NATSConfig
}

// NewNATSTransport creates a NATS transport.
func NewNATSTransport(cfg NATSConfig) *NATSTransport {
	def := DefaultNATSConfig()
	if cfg.InboundSubject == "" {
		cfg.InboundSubject = def.InboundSubject
	}
	if cfg.OutboundSubject == "" {
		cfg.OutboundSubject = def.OutboundSubject
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	return &NATSTransport{cfg: cfg}
}

func subjectFor(pattern string, target Target) string {
	return strings.ReplaceAll(pattern, TargetPlaceholder, target.Key())
}

// Open connects and subscribes to the inbound subject.
func (t *NATSTransport) Open(ctx context.Context, target Target) (Channel, error) {
	ch := &natsChannel{
		outbound: subjectFor(t.cfg.OutboundSubject, target),
		msgs:     make(chan *nats.Msg, t.cfg.BufferSize),
		closed:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			ch.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			ch.fail(nats.ErrConnectionClosed)
		}),
	}
	if target.Token != "" {
		opts = append(opts, nats.Token(target.Token))
	}
	if d, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(d)))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(target.URL, opts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case <-ctx.Done():
		// Abandon the dial; close the connection if it completes late.
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		nc = r.nc
	}

	sub, err := nc.ChanSubscribe(subjectFor(t.cfg.InboundSubject, target), ch.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscribe: %w", err)
	}

	ch.nc = nc
	ch.sub = sub
	return ch, nil
}

type natsChannel struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	outbound string
	msgs     chan *nats.Msg

	failOnce sync.Once
	failErr  error
	closed   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *natsChannel) fail(err error) {
	c.failOnce.Do(func() {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		c.failErr = err
		close(c.closed)
	})
}

// Send publishes payload on the outbound subject.
func (c *natsChannel) Send(_ context.Context, payload []byte) error {
	return c.nc.Publish(c.outbound, payload)
}

// Receive returns the next inbound message; queued messages are drained
// before a closure is reported.
func (c *natsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m.Data, nil
	default:
	}

	select {
	case m := <-c.msgs:
		return m.Data, nil
	case <-c.closed:
		return nil, c.failErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and closes the connection.
func (c *natsChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.sub != nil {
			if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.closeErr = err
			}
		}
		if c.nc != nil {
			c.nc.Close()
		}
		c.fail(ErrChannelClosed)
	})
	return c.closeErr
}
