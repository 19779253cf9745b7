package backend

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// SQLite writes readings into a local sensor_data table.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewSQLite(path string, logger *zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, initErr(config.KindRelational, fmt.Errorf("sqlite path is empty"))
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, initErr(config.KindRelational, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, initErr(config.KindRelational, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, initErr(config.KindRelational, err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS sensor_data (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            timestamp DATETIME NOT NULL,
            sensor_name TEXT NOT NULL,
            slave_id INTEGER,
            temperature REAL,
            humidity REAL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_timestamp ON sensor_data(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_sensor ON sensor_data(sensor_name)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, initErr(config.KindRelational, err)
		}
	}

	logger.Info().Str("driver", config.DriverSQLite).Str("path", path).Msg("backend ready")
	return &SQLite{db: db, path: path, logger: logger}, nil
}

const insertReading = `INSERT INTO sensor_data (timestamp, sensor_name, slave_id, temperature, humidity)
              VALUES (?, ?, ?, ?, ?)`

func (s *SQLite) Save(ctx context.Context, r *models.Reading) error {
	if s.closed.Load() {
		return wrapErr(config.KindRelational, "save", ErrClosed)
	}
	_, err := s.db.ExecContext(ctx, insertReading, r.CapturedAt.UTC(), r.SensorName, r.SlaveID, r.Temperature, r.Humidity)
	return wrapErr(config.KindRelational, "save", err)
}

func (s *SQLite) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	if s.closed.Load() {
		return wrapErr(config.KindRelational, "save batch", ErrClosed)
	}
	if len(rs) == 0 {
		return nil
	}
	return wrapErr(config.KindRelational, "save batch", s.saveBatch(ctx, rs))
}

func (s *SQLite) saveBatch(ctx context.Context, rs []*models.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertReading)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rs {
		if _, err := stmt.ExecContext(ctx, r.CapturedAt.UTC(), r.SensorName, r.SlaveID, r.Temperature, r.Humidity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of stored rows.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_data`).Scan(&n)
	return n, err
}

const selectReadings = `SELECT timestamp, sensor_name, slave_id, temperature, humidity FROM sensor_data `

func (s *SQLite) Query(ctx context.Context, limit, offset int) ([]models.Reading, error) {
	if offset < 0 {
		offset = 0
	}
	return s.query(ctx, "query", selectReadings+`ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, queryLimit(limit), offset)
}

func (s *SQLite) QueryByTimeRange(ctx context.Context, start, end time.Time) ([]models.Reading, error) {
	return s.query(ctx, "query by time range",
		selectReadings+`WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp ASC, id ASC`, start.UTC(), end.UTC())
}

func (s *SQLite) QueryBySensor(ctx context.Context, sensor string, limit int) ([]models.Reading, error) {
	return s.query(ctx, "query by sensor",
		selectReadings+`WHERE sensor_name = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, sensor, queryLimit(limit))
}

func (s *SQLite) query(ctx context.Context, op, query string, args ...interface{}) ([]models.Reading, error) {
	if s.closed.Load() {
		return nil, wrapErr(config.KindRelational, op, ErrClosed)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(config.KindRelational, op, err)
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var (
			r       models.Reading
			slaveID sql.NullInt64
			temp    sql.NullFloat64
			humi    sql.NullFloat64
		)
		if err := rows.Scan(&r.CapturedAt, &r.SensorName, &slaveID, &temp, &humi); err != nil {
			return nil, wrapErr(config.KindRelational, op, err)
		}
		r.SlaveID = int(slaveID.Int64)
		r.Temperature = temp.Float64
		r.Humidity = humi.Float64
		r.CapturedAt = r.CapturedAt.UTC()
		readings = append(readings, r)
	}
	return readings, wrapErr(config.KindRelational, op, rows.Err())
}

// Stats reports the row count and the oldest and newest timestamps.
func (s *SQLite) Stats(ctx context.Context) (StoredStats, error) {
	var stats StoredStats
	if s.closed.Load() {
		return stats, wrapErr(config.KindRelational, "stats", ErrClosed)
	}

	n, err := s.Count(ctx)
	if err != nil {
		return stats, wrapErr(config.KindRelational, "stats", err)
	}
	stats.TotalRecords = n
	if n == 0 {
		return stats, nil
	}

	// Aggregates lose the column type, so read the boundary rows instead of MIN/MAX.
	for _, b := range []struct {
		order string
		dest  *time.Time
	}{{"ASC", &stats.Earliest}, {"DESC", &stats.Latest}} {
		err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM sensor_data ORDER BY timestamp `+b.order+` LIMIT 1`).Scan(b.dest)
		if err != nil {
			return stats, wrapErr(config.KindRelational, "stats", err)
		}
		*b.dest = b.dest.UTC()
	}
	return stats, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return wrapErr(config.KindRelational, "ping", s.db.PingContext(ctx))
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
