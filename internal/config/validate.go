package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var supportedSchemes = map[string]bool{
	"ws":   true,
	"wss":  true,
	"nats": true,
	"tls":  true,
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if err := t.validate(prefix); err != nil {
			return err
		}
		key := t.Key()
		if seen[key] {
			return fmt.Errorf("%s: duplicate target %q", prefix, key)
		}
		seen[key] = true
	}

	if c.Backoff.BaseDelay <= 0 {
		return errors.New("backoff.base_delay must be > 0")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("backoff.max_delay (%s) cannot be less than base_delay (%s)", c.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}
	if c.Backoff.MaxAttempts < 1 {
		return errors.New("backoff.max_attempts must be >= 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker.success_threshold must be >= 1")
	}
	if c.Breaker.OpenTimeout <= 0 {
		return errors.New("breaker.open_timeout must be > 0")
	}
	if c.Breaker.MaxOpenWait < 0 {
		return errors.New("breaker.max_open_wait must be >= 0")
	}

	if c.Session.SendQueueSize < 1 {
		return errors.New("session.send_queue_size must be >= 1")
	}
	if c.Session.StabilityWindow < 0 {
		return errors.New("session.stability_window must be >= 0")
	}

	if c.Health.Timescale.Enabled {
		if err := c.Health.Timescale.DB.validate("health.timescale.db"); err != nil {
			return err
		}
		if c.Health.Timescale.BatchSize < 1 {
			return errors.New("health.timescale.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// Key returns the target identity, falling back to the URL.
func (t TargetConfig) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.URL
}

func (t TargetConfig) validate(prefix string) error {
	if t.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	if !supportedSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%s.url: unsupported scheme %q", prefix, u.Scheme)
	}
	if t.HeartbeatInterval < 0 {
		return fmt.Errorf("%s.heartbeat_interval must be >= 0", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// SlogLevel maps log.level to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
