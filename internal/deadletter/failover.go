package deadletter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/models"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// Failover pushes to primary and switches to fallback while primary is
// failing, probing primary again once a minute.
type Failover struct {
	primary  Sink
	fallback Sink
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailover(primary, fallback Sink, logger *zerolog.Logger) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *Failover) Push(ctx context.Context, entry models.QueueEntry) error {
	if !f.isDown.Load() || f.shouldProbe() {
		err := f.primary.Push(ctx, entry)
		if err == nil {
			if f.isDown.Swap(false) {
				f.logger.Info().Msg("Primary dead-letter sink recovered")
			}
			return nil
		}
		if !f.isDown.Swap(true) {
			f.logger.Error().Err(err).Msg("Primary dead-letter sink failed, falling back to memory")
		}
		f.mu.Lock()
		f.lastCheck = f.now()
		f.mu.Unlock()
	}

	return f.fallback.Push(ctx, entry)
}

func (f *Failover) shouldProbe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Sub(f.lastCheck) > recoverAfter
}
