// collector keeps one resilient stream per configured target and exposes
// their health over HTTP.
// Usage: go run ./cmd/collector --config configs/collector.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/market-stream/internal/backoff"
	"github.com/rickgao/market-stream/internal/breaker"
	"github.com/rickgao/market-stream/internal/config"
	"github.com/rickgao/market-stream/internal/connection"
	"github.com/rickgao/market-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/collector.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting collector",
		version.Attr(),
		"instance_id", cfg.Instance.ID,
		"targets", len(cfg.Targets),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("collector failed", "error", err)
		os.Exit(1)
	}
	logger.Info("collector stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	promReg := prometheus.NewRegistry()

	sinks, err := buildSinks(ctx, cfg, promReg, logger)
	if err != nil {
		return fmt.Errorf("build health sinks: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		sinks.Close(closeCtx)
	}()

	transport := connection.DefaultTransports(
		connection.NewWebSocketTransport(connection.WebSocketConfig{
			WriteTimeout: cfg.Session.WriteTimeout,
			ReadLimit:    cfg.Transport.WebSocket.ReadLimit,
		}, logger),
		connection.NewNATSTransport(connection.NATSConfig{
			InboundSubject:  cfg.Transport.NATS.InboundSubject,
			OutboundSubject: cfg.Transport.NATS.OutboundSubject,
			BufferSize:      cfg.Transport.NATS.BufferSize,
			Name:            cfg.Instance.ID,
		}),
	)

	opts := []connection.ManagerOption{
		connection.WithLogger(logger),
		connection.WithReporter(sinks.Reporter()),
	}
	if cfg.Breaker.Shared {
		opts = append(opts, connection.WithBreakerRegistry(breaker.NewRegistry(breakerConfig(cfg))))
	}

	streams := make([]*stream, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		m := connection.NewManager(managerConfig(cfg), transport, opts...)
		s := &stream{target: targetFrom(tc), manager: m}
		m.Subscribe(logMessages(logger, s.target.Key()), logStates(logger))
		streams = append(streams, s)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHandler(cfg, streams, promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server",
			"port", cfg.Metrics.Port,
			"metrics_path", cfg.Metrics.Path,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	for _, s := range streams {
		g.Go(func() error {
			if err := s.manager.Start(s.target); err != nil {
				return fmt.Errorf("start %s: %w", s.target.Key(), err)
			}
			<-gctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return s.manager.Shutdown(shutdownCtx)
		})
	}

	logger.Info("collector running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	return g.Wait()
}

// stream pairs a manager with the target it serves.
type stream struct {
	target  connection.Target
	manager *connection.Manager
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

func targetFrom(tc config.TargetConfig) connection.Target {
	return connection.Target{
		ID:                tc.ID,
		URL:               tc.URL,
		Token:             tc.Token,
		HeartbeatInterval: tc.HeartbeatInterval,
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
}

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	return connection.ManagerConfig{
		Backoff: backoff.Policy{
			BaseDelay:   cfg.Backoff.BaseDelay,
			MaxDelay:    cfg.Backoff.MaxDelay,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		Breaker:           breakerConfig(cfg),
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		WriteTimeout:      cfg.Session.WriteTimeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		SendQueueSize:     cfg.Session.SendQueueSize,
		StabilityWindow:   cfg.Session.StabilityWindow,
		MaxOpenWait:       cfg.Breaker.MaxOpenWait,
		HealthInterval:    cfg.Health.Interval,
		ReportTimeout:     cfg.Health.ReportTimeout,
	}
}

func logStates(logger *slog.Logger) connection.StateHandler {
	return func(sc connection.StateChange) {
		attrs := []any{
			"target", sc.TargetID,
			"from", sc.From.String(),
			"to", sc.To.String(),
			"attempt", sc.Attempt,
		}
		if sc.RetryIn > 0 {
			attrs = append(attrs, "retry_in", sc.RetryIn)
		}
		if sc.Reason != nil {
			attrs = append(attrs, "reason", sc.Reason)
		}

		var pf *connection.PermanentFailure
		switch {
		case errors.As(sc.Reason, &pf):
			logger.Error("stream gave up", attrs...)
		case sc.Reason != nil:
			logger.Warn("stream state changed", attrs...)
		default:
			logger.Info("stream state changed", attrs...)
		}
	}
}

func logMessages(logger *slog.Logger, targetID string) connection.MessageHandler {
	return func(msg connection.Message) {
		if msg.Kind == connection.KindError {
			logger.Warn("stream error message", "target", targetID, "type", msg.Type, "error", msg.Err)
			return
		}
		logger.Debug("stream message", "target", targetID, "type", msg.Type, "bytes", len(msg.Raw))
	}
}
