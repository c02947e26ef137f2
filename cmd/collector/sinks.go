package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/market-stream/internal/config"
	"github.com/rickgao/market-stream/internal/database"
	"github.com/rickgao/market-stream/internal/health"
)

// healthSinks owns the configured health reporters and their connections.
type healthSinks struct {
	reporters health.Multi
	closers   []func(context.Context) error
	logger    *slog.Logger
}

func (s *healthSinks) Reporter() health.Reporter {
	return s.reporters
}

// Close releases sinks in reverse order of creation.
func (s *healthSinks) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Warn("failed to close health sink", "error", err)
		}
	}
	s.closers = nil
}

func buildSinks(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*healthSinks, error) {
	s := &healthSinks{
		reporters: health.Multi{health.NewLogReporter(logger)},
		logger:    logger,
	}

	if cfg.Health.Prometheus {
		s.reporters = append(s.reporters, health.NewPrometheusReporter(reg, ""))
	}

	if rc := cfg.Health.Redis; rc.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			s.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.reporters = append(s.reporters, health.NewRedisReporter(client, rc.KeyPrefix, rc.TTL))
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		logger.Info("redis health sink enabled", "addr", rc.Addr)
	}

	if nc := cfg.Health.NATS; nc.URL != "" {
		conn, err := nats.Connect(nc.URL, nats.Name(cfg.Instance.ID+"-health"))
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		s.reporters = append(s.reporters, health.NewNATSReporter(conn, nc.Subject))
		s.closers = append(s.closers, func(context.Context) error { return conn.Drain() })
		logger.Info("nats health sink enabled", "url", nc.URL, "subject", nc.Subject)
	}

	if tc := cfg.Health.Timescale; tc.Enabled {
		logger.Info("connecting to database",
			"host", tc.DB.Host,
			"port", tc.DB.Port,
			"database", tc.DB.Name,
		)
		pool, err := database.Connect(ctx, tc.DB)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("connect timescale: %w", err)
		}

		writer := health.NewTimescaleReporter(health.WriterConfig{
			BatchSize:     tc.BatchSize,
			FlushInterval: tc.FlushInterval,
		}, pool, logger)
		if err := writer.EnsureSchema(ctx); err != nil {
			pool.Close()
			s.Close(ctx)
			return nil, fmt.Errorf("ensure stream_health schema: %w", err)
		}
		if err := writer.Start(ctx); err != nil {
			pool.Close()
			s.Close(ctx)
			return nil, fmt.Errorf("start health writer: %w", err)
		}

		s.reporters = append(s.reporters, writer)
		s.closers = append(s.closers,
			func(context.Context) error { pool.Close(); return nil },
			writer.Stop,
		)
	}

	return s, nil
}
