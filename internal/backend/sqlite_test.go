package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sensorbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "data.db"), testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleReading("A", 20.5, 50)))
	require.NoError(t, s.SaveBatch(ctx, []*models.Reading{sampleReading("B", 21, 49), sampleReading("C", 22, 48)}))
	require.NoError(t, s.SaveBatch(ctx, nil))
	require.NoError(t, s.Ping(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var name string
	var temp float64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT sensor_name, temperature FROM sensor_data ORDER BY id LIMIT 1`).Scan(&name, &temp))
	assert.Equal(t, "A", name)
	assert.Equal(t, 20.5, temp)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Save(ctx, sampleReading("D", 1, 1))
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLite_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.SaveBatch(cancelled, []*models.Reading{sampleReading("A", 1, 1), sampleReading("B", 2, 2)})
	require.Error(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func readingAt(name string, at time.Time) *models.Reading {
	r := sampleReading(name, 20, 50)
	r.CapturedAt = at
	return r
}

func TestSQLite_Query(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data.db"), testLogger())
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.True(t, stats.Earliest.IsZero())

	base := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveBatch(ctx, []*models.Reading{
		readingAt("A", base),
		readingAt("B", base.Add(time.Minute)),
		readingAt("A", base.Add(2*time.Minute)),
		readingAt("C", base.Add(3*time.Minute)),
	}))

	latest, err := s.Query(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "C", latest[0].SensorName)
	assert.True(t, base.Add(3*time.Minute).Equal(latest[0].CapturedAt))
	assert.Equal(t, 3, latest[0].SlaveID)
	assert.Equal(t, 20.0, latest[0].Temperature)

	page, err := s.Query(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "B", page[0].SensorName)
	assert.Equal(t, "A", page[1].SensorName)

	ranged, err := s.QueryByTimeRange(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "B", ranged[0].SensorName)
	assert.Equal(t, "A", ranged[1].SensorName)

	bySensor, err := s.QueryBySensor(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, bySensor, 2)
	assert.True(t, base.Add(2*time.Minute).Equal(bySensor[0].CapturedAt))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRecords)
	assert.True(t, base.Equal(stats.Earliest))
	assert.True(t, base.Add(3*time.Minute).Equal(stats.Latest))

	require.NoError(t, s.Close())
	_, err = s.Query(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
