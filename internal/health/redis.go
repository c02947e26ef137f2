package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix prefixes the per-target hash key.
const DefaultRedisKeyPrefix = "market-stream:health:"

// RedisReporter stores the latest snapshot of each target in a hash.
// The key expires after ttl so a dead collector does not leave stale status.
type RedisReporter struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisReporter creates a Redis sink. client may be a *redis.Client or
// *redis.ClusterClient.
func NewRedisReporter(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisReporter {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisReporter{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Key returns the hash key for a target.
func (r *RedisReporter) Key(targetID string) string {
	return r.keyPrefix + targetID
}

// Report writes snap with HSET (+ EXPIRE) in one pipeline.
func (r *RedisReporter) Report(ctx context.Context, snap Snapshot) error {
	key := r.Key(snap.TargetID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":          snap.State,
		"connected":      strconv.FormatBool(snap.Connected),
		"attempt_count":  snap.AttemptCount,
		"last_error":     snap.LastError,
		"since_ms":       snap.Since.Milliseconds(),
		"breaker_state":  snap.BreakerState,
		"messages":       snap.Messages,
		"parse_errors":   snap.ParseErrors,
		"handler_errors": snap.HandlerErrors,
		"dropped_sends":  snap.DroppedSends,
		"at":             snap.At.UTC().Format(time.RFC3339Nano),
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis health %s: %w", snap.TargetID, err)
	}
	return nil
}
