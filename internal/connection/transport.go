package connection

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Transport opens channels to a target. The context carries the connect
// timeout; cancelling it must abort the handshake.
type Transport interface {
	Open(ctx context.Context, target Target) (Channel, error)
}

// Channel is one open bidirectional message stream.
type Channel interface {
	// Send writes one message.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks until the next message or until the channel closes.
	// Only one goroutine may call Receive.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the channel and unblocks Receive. Safe to call twice.
	Close() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target Target) (Channel, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, target Target) (Channel, error) {
	return f(ctx, target)
}

// SchemeTransport routes Open to a transport chosen by the target URL scheme.
type SchemeTransport map[string]Transport

// DefaultTransports returns WebSocket for ws/wss and NATS for nats/tls.
func DefaultTransports(ws *WebSocketTransport, nt *NATSTransport) SchemeTransport {
	st := SchemeTransport{}
	if ws != nil {
		st["ws"] = ws
		st["wss"] = ws
	}
	if nt != nil {
		st["nats"] = nt
		st["tls"] = nt
	}
	return st
}

// Open dispatches on the URL scheme.
func (st SchemeTransport) Open(ctx context.Context, target Target) (Channel, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	t, ok := st[strings.ToLower(u.Scheme)]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return t.Open(ctx, target)
}
