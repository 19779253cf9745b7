package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Requeue gives stuck entries a fresh start. Each entry is re-inserted with a
// new id and a zero retry counter and the old row is deleted, all in one
// transaction, so the counter of any given id never goes down.
// Returns the new ids in the order of the matched entries.
func (q *Queue) Requeue(ctx context.Context, ids ...int64) ([]int64, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin requeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	newIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO data_cache (sensor_name, slave_id, temperature, humidity, captured_at, timestamp, retry_count)
             SELECT sensor_name, slave_id, temperature, humidity, captured_at, ?, 0
             FROM data_cache WHERE id = ? AND retry_count >= ?`,
			now, id, q.maxRetry,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue entry %d: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}
		newID, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get requeued id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM data_cache WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to drop requeued entry %d: %w", id, err)
		}
		newIDs = append(newIDs, newID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}

	q.logger.Info().Int("requested", len(ids)).Int("requeued", len(newIDs)).Msg("stuck entries requeued")
	return newIDs, nil
}

// RequeueStuck requeues every stuck entry.
func (q *Queue) RequeueStuck(ctx context.Context) ([]int64, error) {
	stuck, err := q.Stuck(ctx, -1)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(stuck))
	for _, e := range stuck {
		ids = append(ids, e.ID)
	}
	return q.Requeue(ctx, ids...)
}

// Purge deletes the given entries and reports how many existed.
func (q *Queue) Purge(ctx context.Context, ids ...int64) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx, `DELETE FROM data_cache WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge entries: %w", err)
	}
	n, _ := result.RowsAffected()
	q.logger.Warn().Int64("purged", n).Msg("queue entries purged")
	return n, nil
}

// PurgeStuck deletes every stuck entry.
func (q *Queue) PurgeStuck(ctx context.Context) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}

	result, err := q.db.ExecContext(ctx, `DELETE FROM data_cache WHERE retry_count >= ?`, q.maxRetry)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stuck entries: %w", err)
	}
	n, _ := result.RowsAffected()
	q.logger.Warn().Int64("purged", n).Msg("stuck entries purged")
	return n, nil
}
