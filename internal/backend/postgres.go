package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var readingColumns = []string{"time", "sensor_name", "slave_id", "temperature", "humidity"}

// Postgres writes readings to a PostgreSQL (or TimescaleDB) sensor_data table.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewPostgres(ctx context.Context, dsn string, logger *zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, initErr(config.KindRelational, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, initErr(config.KindRelational, err)
	}

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sensor_data (
        id BIGSERIAL PRIMARY KEY,
        time TIMESTAMPTZ NOT NULL,
        sensor_name TEXT NOT NULL,
        slave_id INTEGER,
        temperature DOUBLE PRECISION,
        humidity DOUBLE PRECISION
    )`)
	if err != nil {
		pool.Close()
		return nil, initErr(config.KindRelational, err)
	}

	logger.Info().Str("driver", config.DriverPostgres).Msg("backend ready")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Save(ctx context.Context, r *models.Reading) error {
	if p.closed.Load() {
		return wrapErr(config.KindRelational, "save", ErrClosed)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sensor_data (time, sensor_name, slave_id, temperature, humidity) VALUES ($1, $2, $3, $4, $5)`,
		r.CapturedAt, r.SensorName, r.SlaveID, r.Temperature, r.Humidity,
	)
	return wrapErr(config.KindRelational, "save", err)
}

// SaveBatch streams the batch with COPY, which commits or fails as a whole.
func (p *Postgres) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	if p.closed.Load() {
		return wrapErr(config.KindRelational, "save batch", ErrClosed)
	}
	if len(rs) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"sensor_data"}, readingColumns, pgx.CopyFromRows(copyRows(rs)))
	return wrapErr(config.KindRelational, "save batch", err)
}

func copyRows(rs []*models.Reading) [][]any {
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, []any{r.CapturedAt, r.SensorName, int32(r.SlaveID), r.Temperature, r.Humidity})
	}
	return rows
}

const selectPgReadings = `SELECT time, sensor_name, COALESCE(slave_id, 0), COALESCE(temperature, 0), COALESCE(humidity, 0) FROM sensor_data `

func (p *Postgres) Query(ctx context.Context, limit, offset int) ([]models.Reading, error) {
	if offset < 0 {
		offset = 0
	}
	return p.query(ctx, "query", selectPgReadings+`ORDER BY time DESC, id DESC LIMIT $1 OFFSET $2`, queryLimit(limit), offset)
}

func (p *Postgres) QueryByTimeRange(ctx context.Context, start, end time.Time) ([]models.Reading, error) {
	return p.query(ctx, "query by time range", selectPgReadings+`WHERE time BETWEEN $1 AND $2 ORDER BY time ASC, id ASC`, start, end)
}

func (p *Postgres) QueryBySensor(ctx context.Context, sensor string, limit int) ([]models.Reading, error) {
	return p.query(ctx, "query by sensor", selectPgReadings+`WHERE sensor_name = $1 ORDER BY time DESC, id DESC LIMIT $2`, sensor, queryLimit(limit))
}

func (p *Postgres) query(ctx context.Context, op, sql string, args ...any) ([]models.Reading, error) {
	if p.closed.Load() {
		return nil, wrapErr(config.KindRelational, op, ErrClosed)
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapErr(config.KindRelational, op, err)
	}
	readings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Reading, error) {
		var (
			r       models.Reading
			slaveID int32
		)
		err := row.Scan(&r.CapturedAt, &r.SensorName, &slaveID, &r.Temperature, &r.Humidity)
		r.SlaveID = int(slaveID)
		r.CapturedAt = r.CapturedAt.UTC()
		return r, err
	})
	return readings, wrapErr(config.KindRelational, op, err)
}

func (p *Postgres) Stats(ctx context.Context) (StoredStats, error) {
	var stats StoredStats
	if p.closed.Load() {
		return stats, wrapErr(config.KindRelational, "stats", ErrClosed)
	}
	var earliest, latest *time.Time
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*), MIN(time), MAX(time) FROM sensor_data`).Scan(&stats.TotalRecords, &earliest, &latest)
	if err != nil {
		return stats, wrapErr(config.KindRelational, "stats", err)
	}
	if earliest != nil {
		stats.Earliest = earliest.UTC()
	}
	if latest != nil {
		stats.Latest = latest.UTC()
	}
	return stats, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return wrapErr(config.KindRelational, "ping", p.pool.Ping(ctx))
}

func (p *Postgres) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.pool.Close()
	})
	return nil
}
