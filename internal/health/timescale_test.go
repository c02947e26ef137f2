package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu      sync.Mutex
	batches [][]any
	execSQL []string
	failErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	var args []any
	for _, q := range b.QueuedQueries {
		args = append(args, q.Arguments[1]) // target_id
	}
	if f.failErr == nil {
		f.batches = append(f.batches, args)
	}
	return &fakeResults{n: b.Len(), err: f.failErr}
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct {
	n   int
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func TestTimescaleReporter_FlushesOnStop(t *testing.T) {
	db := &fakeDB{}
	w := NewTimescaleReporter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Report(context.Background(), testSnapshot("btc", "open")))
	}
	assert.Equal(t, 0, db.rows())

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 3, db.rows())

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Inserts)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestTimescaleReporter_FlushesOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewTimescaleReporter(WriterConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, db, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.NoError(t, w.Report(context.Background(), testSnapshot("eth", "closed")))

	assert.Eventually(t, func() bool { return db.rows() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTimescaleReporter_FlushesWhenBatchFull(t *testing.T) {
	db := &fakeDB{}
	w := NewTimescaleReporter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.NoError(t, w.Report(context.Background(), testSnapshot("a", "open")))
	require.NoError(t, w.Report(context.Background(), testSnapshot("b", "open")))

	assert.Eventually(t, func() bool { return db.rows() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTimescaleReporter_CountsErrors(t *testing.T) {
	db := &fakeDB{failErr: errors.New("connection reset")}
	w := NewTimescaleReporter(WriterConfig{BatchSize: 10, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Report(context.Background(), testSnapshot("a", "open")))
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, int64(1), w.Stats().Errors)
	assert.Equal(t, int64(0), w.Stats().Inserts)
}

func TestTimescaleReporter_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	w := NewTimescaleReporter(DefaultWriterConfig(), db, nil)

	require.NoError(t, w.EnsureSchema(context.Background()))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "stream_health")
}
