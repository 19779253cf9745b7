// Package storage puts the write-ahead queue in front of a backend adapter.
// A reading accepted by Save or SaveBatch is on disk before anything else
// happens, so a backend outage delays delivery but never loses data.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/backend"
	"sensorbridge/internal/flush"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/metrics"
	"sensorbridge/internal/models"
	"sensorbridge/internal/queue"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("storage is closed")

// Storage is what the ingestion side writes to. Both Resilient and the bare
// adapters satisfy it.
type Storage interface {
	Save(ctx context.Context, r *models.Reading) error
	SaveBatch(ctx context.Context, rs []*models.Reading) error
	Close() error
}

// Options tunes a Resilient. Zero values take the package defaults.
type Options struct {
	// ForwardTimeout bounds the immediate forward done inside Save.
	ForwardTimeout time.Duration
	// DrainTimeout bounds the final flush done by Close.
	DrainTimeout time.Duration
	// ProbeInterval > 0 suspends immediate forwards for that long after one
	// fails. Zero always attempts them.
	ProbeInterval time.Duration
	Flush         flush.Options
	DeadLetter    flush.DeadLetter
}

// Resilient is the write-ahead facade: every reading lands in the queue
// before any attempt to forward it.
type Resilient struct {
	queue    *queue.Queue
	adapter  backend.Adapter
	engine   *flush.Engine
	inflight *inflight
	opts    Options
	logger  *zerolog.Logger
	warn    rate.Sometimes
	now     func() time.Time

	// Save and SaveBatch hold the read side; Close takes the write side so
	// no enqueue races the shutdown.
	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once

	down      atomic.Bool
	downSince atomic.Int64
}

// NewResilient wires q and adapter together and starts the flush worker.
func NewResilient(q *queue.Queue, adapter backend.Adapter, opts Options, logger *zerolog.Logger) *Resilient {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = models.DefaultForwardTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = models.DefaultDrainTimeout
	}
	if opts.Flush.ForwardTimeout <= 0 {
		opts.Flush.ForwardTimeout = opts.ForwardTimeout
	}
	opts.Flush.MaxRetry = q.MaxRetry()

	s := &Resilient{
		queue:    q,
		adapter:  adapter,
		inflight: newInflight(),
		opts:     opts,
		logger:   logging.Component(logger, "storage"),
		warn:     rate.Sometimes{First: 3, Interval: time.Minute},
		now:      time.Now,
	}

	userHook := opts.Flush.AfterCycle
	opts.Flush.AfterCycle = func(res models.CycleResult) {
		s.afterCycle(res)
		if userHook != nil {
			userHook(res)
		}
	}
	s.engine = flush.New(cycleQueue{Queue: q, inflight: s.inflight}, adapter, opts.DeadLetter, opts.Flush, logger)
	s.engine.Start(context.Background())

	s.logger.Info().
		Str("queue", q.Path()).
		Dur("forward_timeout", opts.ForwardTimeout).
		Dur("probe_interval", opts.ProbeInterval).
		Msg("resilient storage ready")
	return s
}

// Save durably records r and then tries to deliver it right away. Only a
// failed enqueue is reported; a failed delivery is left to the flush worker.
func (s *Resilient) Save(ctx context.Context, r *models.Reading) error {
	if r == nil {
		return errors.New("nil reading")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}

	reading := r.Stamped(s.now())
	id, claimed, err := s.inflight.enqueue(ctx, s.queue, reading, s.immediateAllowed)
	if err != nil {
		s.logger.Error().Err(err).Str("sensor", reading.SensorName).Msg("failed to enqueue reading")
		return err
	}
	metrics.AddEnqueued(1)

	if !claimed {
		return nil
	}
	// Released only after the entry is removed or its retry count bumped.
	defer s.inflight.release(id)

	if err := flush.Forward(ctx, s.adapter, reading, s.opts.ForwardTimeout); err != nil {
		metrics.IncImmediate(false)
		if ctx.Err() != nil {
			return nil
		}
		s.markDown()
		count, berr := s.queue.BumpRetry(ctx, id)
		if berr != nil {
			s.logger.Error().Err(berr).Int64("entry_id", id).Msg("failed to bump retry count")
		}
		if count >= s.queue.MaxRetry() {
			s.publishStuck(ctx, models.QueueEntry{ID: id, Reading: reading, RetryCount: count, EnqueuedAt: s.now().UTC()})
		}
		s.warn.Do(func() {
			s.logger.Warn().Err(err).
				Int64("entry_id", id).
				Str("sensor", reading.SensorName).
				Int("retry_count", count).
				Msg("immediate forward failed, reading kept in queue")
		})
		return nil
	}

	metrics.IncImmediate(true)
	s.markUp()
	if err := s.queue.Remove(ctx, id); err != nil {
		// Delivered and still queued: the flush worker will send it again.
		s.logger.Error().Err(err).Int64("entry_id", id).Msg("failed to remove forwarded entry")
	}
	return nil
}

// SaveBatch records all readings in one transaction and asks the flush
// worker to deliver them. It returns once they are durable.
func (s *Resilient) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}

	now := s.now()
	readings := make([]models.Reading, 0, len(rs))
	for _, r := range rs {
		if r == nil {
			continue
		}
		readings = append(readings, r.Stamped(now))
	}
	if len(readings) == 0 {
		return nil
	}

	if _, err := s.queue.EnqueueBatch(ctx, readings); err != nil {
		s.logger.Error().Err(err).Int("count", len(readings)).Msg("failed to enqueue batch")
		return err
	}
	metrics.AddEnqueued(len(readings))

	s.engine.Trigger()
	return nil
}

func (s *Resilient) Stats(ctx context.Context) (models.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// SyncNow runs a flush cycle and waits for it.
func (s *Resilient) SyncNow(ctx context.Context) (models.CycleResult, error) {
	if s.closed.Load() {
		return models.CycleResult{}, ErrClosed
	}
	return s.engine.SyncNow(ctx)
}

// Queue exposes the underlying queue for maintenance tasks such as backups.
func (s *Resilient) Queue() *queue.Queue {
	return s.queue
}

// Close stops the flush worker, gives pending entries one bounded chance to
// go out and releases the adapter and the queue. Entries left over stay in
// the queue file for the next start. Only the first call does anything.
func (s *Resilient) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()

		s.engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
		total, derr := s.engine.Drain(ctx)
		cancel()
		if derr != nil && !errors.Is(derr, context.DeadlineExceeded) {
			s.logger.Error().Err(derr).Msg("final flush failed")
		}

		if stats, serr := s.queue.Stats(context.Background()); serr == nil && stats.TotalCached > 0 {
			s.logger.Warn().
				Int("left", stats.TotalCached).
				Int("stuck", stats.StuckCount).
				Int("forwarded", total.Forwarded).
				Msg("entries remain queued after shutdown")
		}

		var adapterErr, queueErr error
		if aerr := s.adapter.Close(); aerr != nil {
			adapterErr = fmt.Errorf("close backend: %w", aerr)
		}
		if qerr := s.queue.Close(); qerr != nil {
			queueErr = fmt.Errorf("close queue: %w", qerr)
		}
		err = errors.Join(adapterErr, queueErr)
		s.logger.Info().Msg("resilient storage closed")
	})
	return err
}

func (s *Resilient) immediateAllowed() bool {
	if s.opts.ProbeInterval <= 0 || !s.down.Load() {
		return true
	}
	since := time.Unix(0, s.downSince.Load())
	return s.now().Sub(since) >= s.opts.ProbeInterval
}

func (s *Resilient) markDown() {
	if s.opts.ProbeInterval <= 0 {
		return
	}
	s.downSince.Store(s.now().UnixNano())
	if !s.down.Swap(true) {
		s.logger.Warn().Dur("probe_interval", s.opts.ProbeInterval).Msg("backend unreachable, deferring to flush worker")
	}
}

func (s *Resilient) markUp() {
	if s.down.Swap(false) {
		s.logger.Info().Msg("backend reachable again")
	}
}

func (s *Resilient) publishStuck(ctx context.Context, entry models.QueueEntry) {
	s.logger.Error().Int64("entry_id", entry.ID).Str("sensor", entry.Reading.SensorName).Msg("entry exhausted retries and is now stuck")
	if s.opts.DeadLetter == nil {
		return
	}
	if err := s.opts.DeadLetter.Push(ctx, entry); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to publish dead letter")
	}
}

func (s *Resilient) afterCycle(res models.CycleResult) {
	if res.Forwarded > 0 {
		s.markUp()
	}
	if res.Fetched == 0 {
		return
	}
	if stats, err := s.queue.Stats(context.Background()); err == nil {
		metrics.SetQueueStats(stats)
	}
}
