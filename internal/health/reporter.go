package health

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Snapshot is a point-in-time status of one managed stream.
type Snapshot struct {
	TargetID      string        `json:"target_id"`
	State         string        `json:"state"`
	Connected     bool          `json:"connected"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
	Since         time.Duration `json:"since_ns"` // Uptime when connected, downtime otherwise
	BreakerState  string        `json:"breaker_state"`
	Messages      int64         `json:"messages"`
	ParseErrors   int64         `json:"parse_errors"`
	HandlerErrors int64         `json:"handler_errors"`
	DroppedSends  int64         `json:"dropped_sends"`
	Transition    bool          `json:"transition"` // False for periodic ticks
	At            time.Time     `json:"at"`
}

// Reporter is a health sink.
type Reporter interface {
	Report(ctx context.Context, snap Snapshot) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, snap Snapshot) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Multi fans a snapshot out to every reporter, joining their errors.
type Multi []Reporter

// Report delivers snap to every reporter even if some fail.
func (m Multi) Report(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes snapshots to a slog logger. Transitions log at Info,
// ticks at Debug.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Report logs snap.
func (r *LogReporter) Report(ctx context.Context, snap Snapshot) error {
	level := slog.LevelDebug
	if snap.Transition {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "stream health",
		"target", snap.TargetID,
		"state", snap.State,
		"attempts", snap.AttemptCount,
		"breaker", snap.BreakerState,
		"since", snap.Since.Round(time.Millisecond),
		"messages", snap.Messages,
		"last_error", snap.LastError,
	)
	return nil
}
