package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/market-stream/internal/dispatch"
)

// Schema creates the stream_health hypertable. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_health (
	at             TIMESTAMPTZ NOT NULL,
	target_id      TEXT        NOT NULL,
	state          TEXT        NOT NULL,
	connected      BOOLEAN     NOT NULL,
	attempt_count  INTEGER     NOT NULL,
	last_error     TEXT,
	since_ms       BIGINT      NOT NULL,
	breaker_state  TEXT        NOT NULL,
	messages       BIGINT      NOT NULL,
	parse_errors   BIGINT      NOT NULL,
	handler_errors BIGINT      NOT NULL,
	dropped_sends  BIGINT      NOT NULL,
	transition     BOOLEAN     NOT NULL
);
SELECT create_hypertable('stream_health', 'at', if_not_exists => TRUE);
`

const insertHealthSQL = `
	INSERT INTO stream_health (
		at, target_id, state, connected, attempt_count, last_error, since_ms,
		breaker_state, messages, parse_errors, handler_errors, dropped_sends, transition
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

// DB is the subset of *pgxpool.Pool used by TimescaleReporter.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int           // Rows accumulated before a flush
	FlushInterval time.Duration // Maximum time between flushes
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// WriterStats contains writer counters.
type WriterStats struct {
	Inserts int64
	Flushes int64
	Errors  int64
}

// TimescaleReporter buffers snapshots and writes them to TimescaleDB in
// batches. Report never blocks on the database.
type TimescaleReporter struct {
	cfg    WriterConfig
	db     DB
	logger *slog.Logger

	input *dispatch.Queue[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushMu sync.Mutex // serializes flushes
	statsMu sync.Mutex
	stats   WriterStats
}

// NewTimescaleReporter creates a reporter. Call Start before use.
func NewTimescaleReporter(cfg WriterConfig, db DB, logger *slog.Logger) *TimescaleReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &TimescaleReporter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  dispatch.NewQueue[Snapshot](cfg.BatchSize),
	}
}

// EnsureSchema creates the stream_health table.
func (w *TimescaleReporter) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Start begins the periodic flush loop.
func (w *TimescaleReporter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("health writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the flush loop and writes whatever is still buffered.
func (w *TimescaleReporter) Stop(ctx context.Context) error {
	w.logger.Info("stopping health writer")

	if w.cancel != nil {
		w.cancel()
	}
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("health writer stop timed out")
	}

	// Final flush with the caller's context since ours is cancelled.
	for w.input.Len() > 0 {
		if !w.flush(ctx) {
			break
		}
	}
	return nil
}

// Report buffers snap for the next flush.
func (w *TimescaleReporter) Report(_ context.Context, snap Snapshot) error {
	w.input.Send(snap)
	if w.input.Len() >= w.cfg.BatchSize && w.ctx != nil {
		go w.flush(w.ctx)
	}
	return nil
}

// Stats returns writer counters.
func (w *TimescaleReporter) Stats() WriterStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *TimescaleReporter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes one batch. Returns false on error.
func (w *TimescaleReporter) flush(ctx context.Context) bool {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	rows := w.input.DrainTo(w.cfg.BatchSize)
	if len(rows) == 0 {
		return true
	}

	start := time.Now()
	if err := w.batchInsert(ctx, rows); err != nil {
		w.logger.Error("health batch insert failed", "error", err, "count", len(rows))
		w.statsMu.Lock()
		w.stats.Errors++
		w.statsMu.Unlock()
		return false
	}

	w.statsMu.Lock()
	w.stats.Inserts += int64(len(rows))
	w.stats.Flushes++
	w.statsMu.Unlock()

	w.logger.Debug("flushed health snapshots",
		"count", len(rows),
		"duration", time.Since(start),
	)
	return true
}

func (w *TimescaleReporter) batchInsert(ctx context.Context, rows []Snapshot) error {
	batch := &pgx.Batch{}
	for _, s := range rows {
		var lastErr *string
		if s.LastError != "" {
			lastErr = &s.LastError
		}
		batch.Queue(insertHealthSQL,
			s.At, s.TargetID, s.State, s.Connected, s.AttemptCount, lastErr,
			s.Since.Milliseconds(), s.BreakerState, s.Messages, s.ParseErrors,
			s.HandlerErrors, s.DroppedSends, s.Transition,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
