package connection

import (
	"errors"
	"fmt"

	"github.com/rickgao/market-stream/internal/breaker"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendQueueFull = errors.New("send queue full")
	ErrManagerClosed = errors.New("manager shut down")
	ErrInvalidTarget = errors.New("invalid target")
	ErrCircuitOpen   = breaker.ErrOpen
	ErrUnknownScheme = errors.New("no transport for url scheme")
	ErrChannelClosed = errors.New("channel closed")
	ErrMissingType   = errors.New("message has no type")
	ErrNilTransport  = errors.New("nil transport")
)

// ConnectError is a handshake or transport failure (or timeout) in open().
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportClosedError reports an open channel closing without stop().
type TransportClosedError struct {
	SessionID string
	Err       error
}

func (e *TransportClosedError) Error() string {
	return fmt.Sprintf("transport closed (session %s): %v", e.SessionID, e.Err)
}

func (e *TransportClosedError) Unwrap() error { return e.Err }

// ParseError reports a payload that could not be decoded. It never affects
// reconnect or breaker state.
type ParseError struct {
	Payload []byte // Truncated copy of the offending payload
	Err     error
}

const maxParseErrorPayload = 256

func newParseError(payload []byte, err error) *ParseError {
	n := len(payload)
	if n > maxParseErrorPayload {
		n = maxParseErrorPayload
	}
	cp := make([]byte, n)
	copy(cp, payload)
	return &ParseError{Payload: cp, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload %q: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PermanentFailure is terminal: the manager stops retrying until Start is
// called again.
type PermanentFailure struct {
	Attempts int
	Err      error // Last failure
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("permanent failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PermanentFailure) Unwrap() error { return e.Err }

// HandlerError wraps a panic raised by a subscriber callback.
type HandlerError struct {
	Subscription SubscriptionID
	Value        any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("subscriber %s handler panicked: %v", e.Subscription, e.Value)
}

// ServerError is an upstream "error" message.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
