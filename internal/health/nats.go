package health

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject prefix; the target ID is appended.
const DefaultNATSSubject = "market-stream.health"

// NATSReporter publishes each snapshot as JSON on <subject>.<target>.
type NATSReporter struct {
	nc      *nats.Conn
	subject string
}

// NewNATSReporter creates a NATS sink on an existing connection.
func NewNATSReporter(nc *nats.Conn, subject string) *NATSReporter {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSReporter{nc: nc, subject: subject}
}

// Subject returns the publish subject for a target.
func (r *NATSReporter) Subject(targetID string) string {
	return r.subject + "." + targetID
}

// Report publishes snap.
func (r *NATSReporter) Report(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := r.nc.Publish(r.Subject(snap.TargetID), data); err != nil {
		return fmt.Errorf("nats health %s: %w", snap.TargetID, err)
	}
	return nil
}
