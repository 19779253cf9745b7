package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sensorbridge/internal/backend"
	"sensorbridge/internal/config"
	"sensorbridge/internal/deadletter"
	"sensorbridge/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		s, err := Open(ctx, config.StorageConfig{Backend: config.BackendConfig{Kind: "none"}}, nil, &logger)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("InitFailure", func(t *testing.T) {
		cfg := config.StorageConfig{Backend: config.BackendConfig{
			Kind:       config.KindRelational,
			Relational: config.RelationalConfig{Driver: config.DriverPostgres, DSN: "postgres://%zz"},
		}}
		s, err := Open(ctx, cfg, nil, &logger)
		require.Error(t, err)
		assert.ErrorIs(t, err, backend.ErrAdapterInit)
		assert.Nil(t, s)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := Open(ctx, config.StorageConfig{Backend: config.BackendConfig{Kind: "tape"}}, nil, &logger)
		assert.Error(t, err)
	})

	t.Run("QueueDisabled", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.StorageConfig{
			Backend: config.BackendConfig{Kind: config.KindFlatFile, FlatFile: config.FlatFileConfig{Path: filepath.Join(dir, "out.csv")}},
			Queue:   config.QueueConfig{Disabled: true},
		}
		s, err := Open(ctx, cfg, nil, &logger)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &backend.CSV{}, s)
	})

	t.Run("FlatFileThroughQueue", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.csv")
		cfg := config.StorageConfig{
			Backend: config.BackendConfig{Kind: config.KindFlatFile, FlatFile: config.FlatFileConfig{Path: out}},
			Queue:   config.QueueConfig{Path: filepath.Join(dir, "cache.db")},
		}
		s, err := Open(ctx, cfg, nil, &logger)
		require.NoError(t, err)
		require.IsType(t, &Resilient{}, s)

		require.NoError(t, s.Save(ctx, &models.Reading{SensorName: "A", SlaveID: 1, Temperature: 20, Humidity: 50}))
		require.NoError(t, s.Close())

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasSuffix(lines[1], ",A,1,20.0,50.0"))
	})

	t.Run("DeadLetterToRedis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		rdb := deadletter.NewRedisClient(config.RedisConfig{Address: mr.Addr()})
		defer rdb.Close()

		dir := t.TempDir()
		cfg := config.StorageConfig{
			Backend:    config.BackendConfig{Kind: config.KindRelational, Relational: config.RelationalConfig{Path: filepath.Join(dir, "data.db")}},
			Queue:      config.QueueConfig{Path: filepath.Join(dir, "cache.db"), MaxRetry: 1},
			DeadLetter: config.DeadLetterConfig{Enabled: true, Key: "test:dl"},
		}
		s, err := Open(ctx, cfg, rdb, &logger)
		require.NoError(t, err)
		r := s.(*Resilient)

		// Break the backend so the entry fails once and becomes stuck.
		require.NoError(t, r.adapter.Close())
		require.NoError(t, r.Save(ctx, &models.Reading{SensorName: "A"}))
		res, err := r.SyncNow(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Fetched, "the failed immediate forward already reached the cap")

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.StuckCount)

		letters, err := mr.List("test:dl")
		require.NoError(t, err)
		assert.Len(t, letters, 1)
		require.NoError(t, r.Close())
	})
}
