package backend

import (
	"context"
	"time"

	"sensorbridge/internal/models"
)

// DefaultQueryLimit applies when a query is given a limit <= 0.
const DefaultQueryLimit = 100

// StoredStats summarizes what a backend holds. Earliest and Latest are zero
// when nothing is stored.
type StoredStats struct {
	TotalRecords int       `json:"total_records"`
	Earliest     time.Time `json:"earliest"`
	Latest       time.Time `json:"latest"`
}

// Querier is implemented by adapters that can read back what they stored.
// Query and QueryBySensor return the newest readings first; QueryByTimeRange
// returns [start, end] oldest first.
type Querier interface {
	Query(ctx context.Context, limit, offset int) ([]models.Reading, error)
	QueryByTimeRange(ctx context.Context, start, end time.Time) ([]models.Reading, error)
	QueryBySensor(ctx context.Context, sensor string, limit int) ([]models.Reading, error)
	Stats(ctx context.Context) (StoredStats, error)
}

func queryLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}

var (
	_ Querier = (*SQLite)(nil)
	_ Querier = (*Postgres)(nil)
	_ Querier = (*CSV)(nil)
)
