package config

import "time"

// Config is the root configuration for a collector instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Log       LogConfig       `yaml:"log"`
	Targets   []TargetConfig  `yaml:"targets"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// InstanceConfig identifies this collector.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TargetConfig is one upstream stream.
type TargetConfig struct {
	ID                string        `yaml:"id"`
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // Overrides session.heartbeat_interval
}

// BackoffConfig holds reconnect delay settings.
type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Shared           bool          `yaml:"shared"`        // One breaker per target ID across managers
	MaxOpenWait      time.Duration `yaml:"max_open_wait"` // 0 = wait forever
}

// SessionConfig holds per-connection settings.
type SessionConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	StabilityWindow   time.Duration `yaml:"stability_window"`
}

// TransportConfig holds transport-specific settings.
type TransportConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
}

// WebSocketConfig holds WebSocket transport settings.
type WebSocketConfig struct {
	ReadLimit int64 `yaml:"read_limit"`
}

// NATSConfig holds NATS transport settings. Subjects may contain {target}.
type NATSConfig struct {
	InboundSubject  string `yaml:"inbound_subject"`
	OutboundSubject string `yaml:"outbound_subject"`
	BufferSize      int    `yaml:"buffer_size"`
}

// HealthConfig holds health reporting settings. Each sink is optional.
type HealthConfig struct {
	Interval      time.Duration       `yaml:"interval"`
	ReportTimeout time.Duration       `yaml:"report_timeout"`
	Prometheus    bool                `yaml:"prometheus"`
	Redis         RedisSinkConfig     `yaml:"redis"`
	Timescale     TimescaleSinkConfig `yaml:"timescale"`
	NATS          NATSSinkConfig      `yaml:"nats"`
}

// RedisSinkConfig enables the Redis health sink when Addr is set.
type RedisSinkConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TimescaleSinkConfig enables the TimescaleDB health sink.
type TimescaleSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DB            DBConfig      `yaml:"db"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// NATSSinkConfig enables the NATS health sink when URL is set.
type NATSSinkConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig holds the HTTP server for /metrics and /health.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
