// Package queue implements the write-ahead queue that holds readings until the
// backend confirms them. The queue lives in its own SQLite file so it survives
// crashes independently of whatever backend is configured.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/logging"
	"sensorbridge/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	// ErrEnqueue marks a failed durable append. The reading was not recorded.
	ErrEnqueue = errors.New("enqueue failed")

	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
)

// Queue is the SQLite-backed write-ahead queue. Entries leave it only when
// removed after delivery or purged by an operator.
type Queue struct {
	db       *sql.DB
	path     string
	maxRetry int
	logger   *zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the queue file at path. Entries with
// retry_count >= maxRetry are treated as stuck.
func Open(path string, maxRetry int, logger *zerolog.Logger) (*Queue, error) {
	if maxRetry <= 0 {
		maxRetry = models.MaxRetry
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	// One connection serializes writers from the ingestion path and the flush worker.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue tables: %w", err)
	}

	q := &Queue{
		db:       db,
		path:     path,
		maxRetry: maxRetry,
		logger:   logging.Component(logger, "queue"),
	}
	q.logger.Info().Str("path", path).Int("max_retry", maxRetry).Msg("queue opened")
	return q, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS data_cache (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sensor_name TEXT NOT NULL,
            slave_id INTEGER,
            temperature REAL,
            humidity REAL,
            captured_at DATETIME,
            timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
            retry_count INTEGER NOT NULL DEFAULT 0
        )`,
		// Serves "retry_count < ? ORDER BY id LIMIT ?".
		`CREATE INDEX IF NOT EXISTS idx_data_cache_retry ON data_cache(retry_count, id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.path
}

// MaxRetry returns the stuck threshold.
func (q *Queue) MaxRetry() int {
	return q.maxRetry
}

const insertEntry = `INSERT INTO data_cache (sensor_name, slave_id, temperature, humidity, captured_at, timestamp, retry_count)
              VALUES (?, ?, ?, ?, ?, ?, 0)`

// Enqueue durably appends a reading and returns its entry id.
func (q *Queue) Enqueue(ctx context.Context, r models.Reading) (int64, error) {
	if q.closed.Load() {
		return 0, fmt.Errorf("%w: %w", ErrEnqueue, ErrClosed)
	}

	result, err := q.db.ExecContext(ctx, insertEntry,
		r.SensorName,
		r.SlaveID,
		r.Temperature,
		r.Humidity,
		r.CapturedAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get last insert id: %w", ErrEnqueue, err)
	}
	return id, nil
}

// EnqueueBatch appends all readings in one transaction: either every entry
// becomes visible or none does.
func (q *Queue) EnqueueBatch(ctx context.Context, readings []models.Reading) ([]int64, error) {
	if q.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrEnqueue, ErrClosed)
	}
	if len(readings) == 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrEnqueue, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare: %w", ErrEnqueue, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]int64, 0, len(readings))
	for _, r := range readings {
		result, err := stmt.ExecContext(ctx, r.SensorName, r.SlaveID, r.Temperature, r.Humidity, r.CapturedAt.UTC(), now)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEnqueue, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get last insert id: %w", ErrEnqueue, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrEnqueue, err)
	}
	return ids, nil
}

const selectEntries = `SELECT id, sensor_name, slave_id, temperature, humidity, captured_at, timestamp, retry_count
              FROM data_cache `

// Pending returns up to limit entries still eligible for automatic flushing,
// oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return q.query(ctx, selectEntries+`WHERE retry_count < ? ORDER BY id ASC LIMIT ?`, q.maxRetry, limit)
}

// Stuck returns up to limit entries that exhausted their retries, oldest first.
func (q *Queue) Stuck(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return q.query(ctx, selectEntries+`WHERE retry_count >= ? ORDER BY id ASC LIMIT ?`, q.maxRetry, limit)
}

// All returns up to limit entries regardless of state, oldest first.
func (q *Queue) All(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	return q.query(ctx, selectEntries+`ORDER BY id ASC LIMIT ?`, limit)
}

func (q *Queue) query(ctx context.Context, query string, args ...interface{}) ([]models.QueueEntry, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var (
			e          models.QueueEntry
			capturedAt sql.NullTime
			enqueuedAt sql.NullTime
			slaveID    sql.NullInt64
		)
		err := rows.Scan(
			&e.ID, &e.Reading.SensorName, &slaveID, &e.Reading.Temperature, &e.Reading.Humidity,
			&capturedAt, &enqueuedAt, &e.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Reading.SlaveID = int(slaveID.Int64)
		if enqueuedAt.Valid {
			e.EnqueuedAt = enqueuedAt.Time
		}
		if capturedAt.Valid {
			e.Reading.CapturedAt = capturedAt.Time
		} else {
			e.Reading.CapturedAt = e.EnqueuedAt
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue entries: %w", err)
	}
	return entries, nil
}

// Remove deletes an entry. Removing an absent entry is not an error.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM data_cache WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove entry %d: %w", id, err)
	}
	return nil
}

// BumpRetry increments the retry counter of an entry, never past the stuck
// threshold, and returns the resulting count. Absent entries yield 0.
func (q *Queue) BumpRetry(ctx context.Context, id int64) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}

	var count int
	err := q.db.QueryRowContext(ctx,
		`UPDATE data_cache SET retry_count = retry_count + 1 WHERE id = ? AND retry_count < ? RETURNING retry_count`,
		id, q.maxRetry,
	).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to bump retry of entry %d: %w", id, err)
	}

	// Either absent or already stuck; report the stored value unchanged.
	err = q.db.QueryRowContext(ctx, `SELECT retry_count FROM data_cache WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read retry of entry %d: %w", id, err)
	}
	return count, nil
}

// Stats counts entries by state.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	stats := models.QueueStats{Path: q.path}
	if q.closed.Load() {
		return stats, ErrClosed
	}

	query := `SELECT
            COUNT(*),
            COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END), 0)
        FROM data_cache`

	err := q.db.QueryRowContext(ctx, query, q.maxRetry, q.maxRetry).Scan(
		&stats.TotalCached, &stats.Pending, &stats.FailedCount, &stats.StuckCount,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// Close releases the database handle. Subsequent calls return the first result.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.closeErr = q.db.Close()
		q.logger.Info().Str("path", q.path).Msg("queue closed")
	})
	return q.closeErr
}
