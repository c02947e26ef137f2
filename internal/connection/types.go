package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/market-stream/internal/backoff"
	"github.com/rickgao/market-stream/internal/breaker"
)

// State is the manager-level connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target identifies one logical stream. It is compared by value: starting a
// manager with an equal Target while connecting or open is a no-op.
type Target struct {
	ID                string        // Stable name used for logs, health and breaker sharing
	URL               string        // Endpoint (ws://, wss://, nats://)
	Token             string        // Optional bearer/auth token
	HeartbeatInterval time.Duration // Liveness probe interval (0 = manager default)
}

// Key returns the identity used for breaker sharing and health reporting.
func (t Target) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.URL
}

// Kind is the closed set of inbound message kinds.
type Kind int

const (
	KindData Kind = iota
	KindHeartbeat
	KindError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound payload.
type Message struct {
	Kind       Kind
	Type       string          // Upstream "type" field ("" when undecodable)
	Data       json.RawMessage // "data" (or "msg") field for KindData
	Raw        []byte          // Full payload as received
	Err        error           // *ServerError or *ParseError for KindError
	TargetID   string
	SessionID  string
	ReceivedAt time.Time
}

// StateChange is delivered to state handlers on every transition.
type StateChange struct {
	TargetID string
	From     State
	To       State
	Reason   error         // Why the stream closed; nil for intentional closes
	Attempt  int           // attempt_count after the transition
	RetryIn  time.Duration // >0 when a reconnect has been scheduled
	At       time.Time
}

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID = uuid.UUID

// MessageHandler receives messages (including error-class notifications).
type MessageHandler func(Message)

// StateHandler receives state transitions.
type StateHandler func(StateChange)

// Stats are manager counters since construction.
type Stats struct {
	Messages       int64 // Dispatched to subscribers
	Heartbeats     int64 // Liveness acks swallowed
	ParseErrors    int64
	HandlerErrors  int64
	DroppedSends   int64
	SessionsOpened int64
	Subscribers    int
}

// Defaults for ManagerConfig.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendQueueSize     = 256
	DefaultHealthInterval    = 15 * time.Second
	DefaultReportTimeout     = 5 * time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Backoff           backoff.Policy
	Breaker           breaker.Config // Used when no shared breaker is injected
	ConnectTimeout    time.Duration  // Per open() attempt
	WriteTimeout      time.Duration  // Per outbound write
	HeartbeatInterval time.Duration  // Default when the Target leaves it zero
	SendQueueSize     int            // Outbound buffer per session
	StabilityWindow   time.Duration  // Open time required before the failure run resets (0 = immediately)
	MaxOpenWait       time.Duration  // Give up after the breaker rejects for this long (0 = never)
	HealthInterval    time.Duration  // Periodic health tick (<0 disables)
	ReportTimeout     time.Duration  // Deadline for one health report
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:           backoff.DefaultPolicy(),
		Breaker:           breaker.DefaultConfig(),
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SendQueueSize:     DefaultSendQueueSize,
		HealthInterval:    DefaultHealthInterval,
		ReportTimeout:     DefaultReportTimeout,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	c.Backoff = c.Backoff.WithDefaults()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = DefaultReportTimeout
	}
	return c
}
