package health

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// States exported as the value of the state gauge.
var stateValues = map[string]float64{
	"idle":       0,
	"connecting": 1,
	"open":       2,
	"closing":    3,
	"closed":     4,
}

// PrometheusReporter exposes snapshots as per-target metrics.
type PrometheusReporter struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once
	regErr    error

	state       *prometheus.GaugeVec
	connected   *prometheus.GaugeVec
	attempts    *prometheus.GaugeVec
	since       *prometheus.GaugeVec
	breakerOpen *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	messages    *prometheus.GaugeVec
	parseErrors *prometheus.GaugeVec
}

// NewPrometheusReporter creates a reporter registering on reg
// (prometheus.DefaultRegisterer if nil) under namespace ("market_stream" if empty).
func NewPrometheusReporter(reg prometheus.Registerer, namespace string) *PrometheusReporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "market_stream"
	}
	return &PrometheusReporter{reg: reg, namespace: namespace}
}

func (p *PrometheusReporter) ensureRegistered() error {
	p.once.Do(func() {
		gauge := func(name, help string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: p.namespace,
				Subsystem: "stream",
				Name:      name,
				Help:      help,
			}, []string{"target"})
		}

		p.state = gauge("state", "Connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 closed).")
		p.connected = gauge("connected", "1 when the stream is open.")
		p.attempts = gauge("reconnect_attempts", "Reconnect attempts in the current failure run.")
		p.since = gauge("state_duration_seconds", "Time spent in the current up/down state.")
		p.breakerOpen = gauge("breaker_open", "1 when the target circuit breaker is not closed.")
		p.messages = gauge("messages", "Messages delivered to subscribers since start.")
		p.parseErrors = gauge("parse_errors", "Payloads that failed to decode since start.")
		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "transitions_total",
			Help:      "Connection state transitions by destination state.",
		}, []string{"target", "state"})

		for _, c := range []prometheus.Collector{
			p.state, p.connected, p.attempts, p.since, p.breakerOpen,
			p.messages, p.parseErrors, p.transitions,
		} {
			if err := p.reg.Register(c); err != nil {
				p.regErr = err
				return
			}
		}
	})
	return p.regErr
}

// Report updates the metrics for snap.TargetID.
func (p *PrometheusReporter) Report(_ context.Context, snap Snapshot) error {
	if err := p.ensureRegistered(); err != nil {
		return err
	}

	target := snap.TargetID
	p.state.WithLabelValues(target).Set(stateValues[snap.State])
	p.connected.WithLabelValues(target).Set(boolToFloat(snap.Connected))
	p.attempts.WithLabelValues(target).Set(float64(snap.AttemptCount))
	p.since.WithLabelValues(target).Set(snap.Since.Seconds())
	p.breakerOpen.WithLabelValues(target).Set(boolToFloat(snap.BreakerState != "" && snap.BreakerState != "closed"))
	p.messages.WithLabelValues(target).Set(float64(snap.Messages))
	p.parseErrors.WithLabelValues(target).Set(float64(snap.ParseErrors))
	if snap.Transition {
		p.transitions.WithLabelValues(target, snap.State).Inc()
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
