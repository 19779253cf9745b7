package storage

import (
	"context"
	"time"

	"sensorbridge/internal/backend"
	"sensorbridge/internal/config"
	"sensorbridge/internal/deadletter"
	"sensorbridge/internal/flush"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/queue"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const startupPingTimeout = 3 * time.Second

// Open builds the storage described by cfg. It returns (nil, nil) when the
// backend is disabled, and the bare adapter when the queue is disabled.
// rdb may be nil; dead letters then stay in memory.
func Open(ctx context.Context, cfg config.StorageConfig, rdb *redis.Client, logger *zerolog.Logger) (Storage, error) {
	log := logging.Component(logger, "storage")

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	adapter, err := backend.New(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		log.Info().Msg("storage disabled, readings will not be persisted")
		return nil, nil
	}

	if p, ok := adapter.(backend.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		if err := p.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("backend unreachable at startup, readings will be queued")
		}
		cancel()
	}

	if cfg.Queue.Disabled {
		log.Warn().Msg("write-ahead queue disabled, writing straight to the backend")
		return adapter, nil
	}

	q, err := queue.Open(cfg.Queue.Path, cfg.Queue.MaxRetry, logger)
	if err != nil {
		adapter.Close()
		return nil, err
	}

	var dl flush.DeadLetter
	if cfg.DeadLetter.Enabled {
		mem := deadletter.NewMemory(0)
		if rdb != nil {
			dl = deadletter.NewFailover(deadletter.NewRedisList(rdb, cfg.DeadLetter.Key), mem, log)
		} else {
			log.Warn().Msg("dead letters enabled without redis, keeping them in memory")
			dl = mem
		}
	}

	return NewResilient(q, adapter, Options{
		ForwardTimeout: cfg.Flush.ForwardTimeout,
		DrainTimeout:   cfg.Flush.DrainTimeout,
		ProbeInterval:  cfg.ProbeInterval,
		Flush: flush.Options{
			Interval:       cfg.Flush.Interval,
			BatchSize:      cfg.Flush.BatchSize,
			ForwardTimeout: cfg.Flush.ForwardTimeout,
			Backoff:        flush.PolicyFromConfig(cfg.Flush.Backoff, cfg.Flush.Interval),
		},
		DeadLetter: dl,
	}, logger), nil
}
