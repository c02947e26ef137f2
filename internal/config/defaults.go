package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID          = "market-stream"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultBaseDelay           = 1 * time.Second
	DefaultMaxDelay            = 30 * time.Second
	DefaultMaxAttempts         = 10
	DefaultFailureThreshold    = 5
	DefaultOpenTimeout         = 30 * time.Second
	DefaultSuccessThreshold    = 1
	DefaultConnectTimeout      = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultSendQueueSize       = 256
	DefaultReadLimit           = 16 << 20
	DefaultNATSInbound         = "market.{target}.in"
	DefaultNATSOutbound        = "market.{target}.out"
	DefaultNATSBufferSize      = 4096
	DefaultHealthInterval      = 15 * time.Second
	DefaultReportTimeout       = 5 * time.Second
	DefaultRedisKeyPrefix      = "market-stream:health:"
	DefaultRedisTTL            = 2 * time.Minute
	DefaultHealthSubject       = "market-stream.health"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 4
	DefaultMinConns            = 1
	DefaultHealthBatchSize     = 500
	DefaultHealthFlushInterval = 5 * time.Second
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
)

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Backoff defaults
	if c.Backoff.BaseDelay == 0 {
		c.Backoff.BaseDelay = DefaultBaseDelay
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultMaxDelay
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = DefaultMaxAttempts
	}

	// Breaker defaults
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = DefaultOpenTimeout
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}

	// Session defaults
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.SendQueueSize == 0 {
		c.Session.SendQueueSize = DefaultSendQueueSize
	}

	// Transport defaults
	if c.Transport.WebSocket.ReadLimit == 0 {
		c.Transport.WebSocket.ReadLimit = DefaultReadLimit
	}
	if c.Transport.NATS.InboundSubject == "" {
		c.Transport.NATS.InboundSubject = DefaultNATSInbound
	}
	if c.Transport.NATS.OutboundSubject == "" {
		c.Transport.NATS.OutboundSubject = DefaultNATSOutbound
	}
	if c.Transport.NATS.BufferSize == 0 {
		c.Transport.NATS.BufferSize = DefaultNATSBufferSize
	}

	// Target defaults
	for i := range c.Targets {
		if c.Targets[i].HeartbeatInterval == 0 {
			c.Targets[i].HeartbeatInterval = c.Session.HeartbeatInterval
		}
	}

	// Health defaults
	if c.Health.Interval == 0 {
		c.Health.Interval = DefaultHealthInterval
	}
	if c.Health.ReportTimeout == 0 {
		c.Health.ReportTimeout = DefaultReportTimeout
	}
	if c.Health.Redis.KeyPrefix == "" {
		c.Health.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Health.Redis.TTL == 0 {
		c.Health.Redis.TTL = DefaultRedisTTL
	}
	if c.Health.NATS.Subject == "" {
		c.Health.NATS.Subject = DefaultHealthSubject
	}
	if c.Health.Timescale.BatchSize == 0 {
		c.Health.Timescale.BatchSize = DefaultHealthBatchSize
	}
	if c.Health.Timescale.FlushInterval == 0 {
		c.Health.Timescale.FlushInterval = DefaultHealthFlushInterval
	}
	applyDBDefaults(&c.Health.Timescale.DB)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
