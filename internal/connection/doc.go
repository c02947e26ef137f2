// Package connection implements the resilient streaming core.
//
// The Manager keeps one long-lived stream to a Target alive:
//   - Opens a Session per connection attempt through a pluggable Transport
//     (WebSocket, NATS)
//   - Sends liveness probes and swallows their acknowledgments
//   - Reconnects with exponential backoff, gated by a circuit breaker
//   - Publishes state transitions and decoded messages to subscribers in the
//     order they were observed
//   - Emits health snapshots to a health.Reporter
package connection
