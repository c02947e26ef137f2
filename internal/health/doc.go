// Package health defines the status snapshots emitted by stream managers and
// the sinks that persist or expose them.
//
// A Reporter receives a Snapshot on every connection-state transition and on
// a periodic tick. Sinks:
//   - LogReporter: structured log line per snapshot
//   - PrometheusReporter: per-target gauges and counters
//   - RedisReporter: latest snapshot per target in a Redis hash
//   - TimescaleReporter: batched history in the stream_health table
//   - NATSReporter: JSON snapshot published per target
//   - Multi: fan-out to several reporters
package health
