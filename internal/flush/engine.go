// Package flush moves queued readings to the backend. A single worker runs
// cycles on a ticker and on demand; every cycle, whoever starts it, holds the
// same lock so two cycles never overlap.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sensorbridge/internal/backend"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/metrics"
	"sensorbridge/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Queue is the part of the durable queue a cycle needs.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]models.QueueEntry, error)
	Remove(ctx context.Context, id int64) error
	BumpRetry(ctx context.Context, id int64) (int, error)
}

// DeadLetter receives entries at the moment they become stuck.
type DeadLetter interface {
	Push(ctx context.Context, entry models.QueueEntry) error
}

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	ForwardTimeout time.Duration
	MaxRetry       int
	Backoff        RetryPolicy
	// AfterCycle runs after every completed cycle, still under the cycle lock.
	AfterCycle func(models.CycleResult)
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = models.DefaultFlushInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = models.DefaultBatchSize
	}
	if o.ForwardTimeout <= 0 {
		o.ForwardTimeout = models.DefaultForwardTimeout
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = models.MaxRetry
	}
	if o.Backoff == (RetryPolicy{}) {
		o.Backoff = defaultPolicy(o.Interval)
	}
}

// Engine runs flush cycles against one queue and one adapter.
type Engine struct {
	queue      Queue
	adapter    backend.Adapter
	deadLetter DeadLetter
	opts       Options
	logger     *zerolog.Logger
	warn       rate.Sometimes

	cycleMu    sync.Mutex
	failStreak int
	// Unix nanos before which scheduled ticks are skipped.
	nextAllowed atomic.Int64

	trigger chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New builds an engine. deadLetter may be nil.
func New(q Queue, adapter backend.Adapter, deadLetter DeadLetter, opts Options, logger *zerolog.Logger) *Engine {
	opts.applyDefaults()
	return &Engine{
		queue:      q,
		adapter:    adapter,
		deadLetter: deadLetter,
		opts:       opts,
		logger:     logging.Component(logger, "flush"),
		warn:       rate.Sometimes{First: 3, Interval: time.Minute},
		trigger:    make(chan struct{}, 1),
	}
}

// Start launches the worker. It stops when ctx is done or Stop is called.
// Calling Start more than once, or after Stop, does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil || e.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.logger.Info().
		Dur("interval", e.opts.Interval).
		Int("batch_size", e.opts.BatchSize).
		Msg("flush worker started")
	defer e.logger.Info().Msg("flush worker stopped")

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	// Stop interrupts the timer, never a cycle in progress.
	cycleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if e.backingOff(tick) {
				e.logger.Debug().Msg("backend failing, skipping scheduled cycle")
				continue
			}
			e.scheduled(cycleCtx)
		case <-e.trigger:
			e.scheduled(cycleCtx)
		}
	}
}

func (e *Engine) scheduled(ctx context.Context) {
	e.cycleMu.Lock()
	res, err := e.runCycle(ctx)
	e.cycleMu.Unlock()

	// A full batch that made progress means more is probably waiting.
	if err == nil && res.Fetched == e.opts.BatchSize && res.Forwarded > 0 {
		e.Trigger()
	}
}

func (e *Engine) backingOff(tick time.Time) bool {
	next := e.nextAllowed.Load()
	if next == 0 {
		return false
	}
	return tick.Add(e.opts.Interval / 2).Before(time.Unix(0, next))
}

// Trigger requests a cycle as soon as possible. Requests made while one is
// already pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a cycle in the caller's goroutine, waiting for any running
// cycle first.
func (e *Engine) SyncNow(ctx context.Context) (models.CycleResult, error) {
	return e.RunCycle(ctx)
}

// RunCycle performs one flush cycle. Backend failures are counted in the
// result, not returned; only a failure to read the queue or a cancelled ctx
// produce an error.
func (e *Engine) RunCycle(ctx context.Context) (models.CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.runCycle(ctx)
}

func (e *Engine) runCycle(ctx context.Context) (models.CycleResult, error) {
	var res models.CycleResult
	start := time.Now()
	log := e.logger.With().Str("cycle_id", uuid.NewString()).Logger()

	entries, err := e.queue.Pending(ctx, e.opts.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to read pending entries")
		metrics.ObserveCycle(res, err)
		return res, fmt.Errorf("read pending: %w", err)
	}
	res.Fetched = len(entries)
	if res.Fetched == 0 {
		metrics.ObserveCycle(res, nil)
		e.afterCycle(res)
		return res, nil
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if err := Forward(ctx, e.adapter, entry.Reading, e.opts.ForwardTimeout); err != nil {
			if ctx.Err() != nil {
				// Cancelled by the caller, not a backend verdict.
				break
			}
			res.Failed++
			e.recordFailure(ctx, &log, entry, err, &res)
			continue
		}

		res.Forwarded++
		if err := e.queue.Remove(ctx, entry.ID); err != nil {
			// Delivered but still queued; it will be sent again.
			log.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to remove forwarded entry")
		}
	}

	res.Duration = time.Since(start)
	e.updateBackoff(res, start)

	log.Info().
		Int("fetched", res.Fetched).
		Int("forwarded", res.Forwarded).
		Int("failed", res.Failed).
		Int("stuck", res.Stuck).
		Dur("duration", res.Duration).
		Msg("flush cycle finished")

	metrics.ObserveCycle(res, nil)
	e.afterCycle(res)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) recordFailure(ctx context.Context, log *zerolog.Logger, entry models.QueueEntry, cause error, res *models.CycleResult) {
	count, err := e.queue.BumpRetry(ctx, entry.ID)
	if err != nil {
		log.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to bump retry count")
		return
	}

	e.warn.Do(func() {
		log.Warn().Err(cause).
			Int64("entry_id", entry.ID).
			Str("sensor", entry.Reading.SensorName).
			Int("retry_count", count).
			Msg("forward failed, entry kept in queue")
	})

	if count < e.opts.MaxRetry {
		return
	}

	res.Stuck++
	entry.RetryCount = count
	log.Error().Err(cause).
		Int64("entry_id", entry.ID).
		Str("sensor", entry.Reading.SensorName).
		Msg("entry exhausted retries and is now stuck")

	if e.deadLetter != nil {
		if err := e.deadLetter.Push(ctx, entry); err != nil {
			log.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to publish dead letter")
		}
	}
}

// Caller holds cycleMu.
func (e *Engine) updateBackoff(res models.CycleResult, start time.Time) {
	switch {
	case res.Forwarded > 0:
		if e.failStreak > 0 {
			e.logger.Info().Int("failed_cycles", e.failStreak).Msg("backend recovered")
		}
		e.failStreak = 0
		e.nextAllowed.Store(0)
	case res.Failed > 0:
		e.failStreak++
		e.nextAllowed.Store(start.Add(e.opts.Backoff.NextDelay(e.failStreak)).UnixNano())
	}
}

func (e *Engine) afterCycle(res models.CycleResult) {
	if e.opts.AfterCycle != nil {
		e.opts.AfterCycle(res)
	}
}

// Stop ends the worker and waits for it, letting a cycle in progress finish.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Drain runs cycles until nothing is pending, a cycle makes no progress or
// ctx expires. It returns the accumulated result.
func (e *Engine) Drain(ctx context.Context) (models.CycleResult, error) {
	var total models.CycleResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := e.RunCycle(ctx)
		total.Fetched += res.Fetched
		total.Forwarded += res.Forwarded
		total.Failed += res.Failed
		total.Stuck += res.Stuck
		total.Duration += res.Duration
		if err != nil {
			return total, err
		}
		if res.Fetched == 0 || res.Forwarded == 0 {
			return total, nil
		}
	}
}

// Forward sends one reading with its own timeout. A panicking adapter is
// reported as an error.
func Forward(ctx context.Context, adapter backend.Adapter, r models.Reading, timeout time.Duration) (err error) {
	if adapter == nil {
		return errors.New("no backend configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("backend panic: %v", p)
		}
	}()
	return adapter.Save(ctx, &r)
}
