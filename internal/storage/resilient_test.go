package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sensorbridge/internal/flush"
	"sensorbridge/internal/models"
	"sensorbridge/internal/queue"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	down   bool
	delay  time.Duration
	saved  []models.Reading
	calls  int
	closed int
	// onSave runs once, on the next Save, before the write is recorded.
	onSave func()
}

func (f *fakeBackend) Save(ctx context.Context, r *models.Reading) error {
	f.mu.Lock()
	hook := f.onSave
	f.onSave = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errors.New("connection refused")
	}
	f.saved = append(f.saved, *r)
	return nil
}

func (f *fakeBackend) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	for _, r := range rs {
		if err := f.Save(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBackend) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeBackend) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.saved))
	for _, r := range f.saved {
		out = append(out, r.SensorName)
	}
	return out
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func openQueue(t *testing.T, path string) *queue.Queue {
	t.Helper()
	logger := zerolog.New(io.Discard)
	q, err := queue.Open(path, models.MaxRetry, &logger)
	require.NoError(t, err)
	return q
}

func newTestStorage(t *testing.T, path string, b *fakeBackend, opts Options) *Resilient {
	t.Helper()
	if opts.Flush.Interval == 0 {
		opts.Flush.Interval = time.Hour
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = time.Second
	}
	logger := zerolog.New(io.Discard)
	s := NewResilient(openQueue(t, path), b, opts, &logger)
	t.Cleanup(func() { s.Close() })
	return s
}

func reading(name string) *models.Reading {
	return &models.Reading{SensorName: name, SlaveID: 1, Temperature: 20.5, Humidity: 55}
}

func TestSave_ImmediateForward(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	r := reading("A")
	require.NoError(t, s.Save(ctx, r))

	assert.Equal(t, []string{"A"}, b.names())
	assert.True(t, r.CapturedAt.IsZero(), "caller's reading is not modified")
	assert.False(t, b.saved[0].CapturedAt.IsZero())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCached)

	assert.Error(t, s.Save(ctx, nil))
}

func TestSave_KeepsCallerTimestamp(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	r := reading("A")
	r.CapturedAt = at
	require.NoError(t, s.Save(context.Background(), r))
	assert.True(t, at.Equal(b.saved[0].CapturedAt))
}

func TestSave_BackendDown(t *testing.T) {
	b := &fakeBackend{down: true}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, reading("A")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCached)
	assert.Equal(t, 1, stats.FailedCount, "a failed immediate forward counts as an attempt")
}

func TestSave_EnqueueFailureIsReported(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	require.NoError(t, s.queue.Close())

	err := s.Save(context.Background(), reading("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrEnqueue)
	assert.Empty(t, b.names(), "nothing is forwarded without a durable record")

	err = s.SaveBatch(context.Background(), []*models.Reading{reading("B")})
	assert.ErrorIs(t, err, queue.ErrEnqueue)
}

func TestWriteAheadSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.db")
	ctx := context.Background()

	down := &fakeBackend{down: true}
	logger := zerolog.New(io.Discard)
	first := NewResilient(openQueue(t, path), down, Options{
		DrainTimeout: time.Second,
		Flush:        flush.Options{Interval: time.Hour},
	}, &logger)

	require.NoError(t, first.Save(ctx, reading("A")))
	require.NoError(t, first.Save(ctx, reading("B")))
	require.NoError(t, first.SaveBatch(ctx, []*models.Reading{reading("C"), nil}))
	require.NoError(t, first.Close())
	assert.Equal(t, 1, down.closed)

	up := &fakeBackend{}
	second := newTestStorage(t, path, up, Options{})

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCached)

	res, err := second.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Forwarded)
	assert.Equal(t, []string{"A", "B", "C"}, up.names())

	stats, err = second.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCached)
}

func TestImmediatePathMayOvertakeQueue(t *testing.T) {
	b := &fakeBackend{down: true}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, reading("A")))
	b.setDown(false)
	require.NoError(t, s.Save(ctx, reading("B")))

	assert.Equal(t, []string{"B"}, b.names())

	_, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, b.names())
}

func TestStuckAfterMaxRetry(t *testing.T) {
	b := &fakeBackend{down: true}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	require.NoError(t, s.SaveBatch(ctx, []*models.Reading{reading("C")}))

	// SaveBatch wakes the worker for the first attempt.
	assert.Eventually(t, func() bool {
		return b.callCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 2; i <= models.MaxRetry; i++ {
		res, err := s.SyncNow(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Fetched, "attempt %d", i)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StuckCount)
	assert.Zero(t, stats.Pending)

	res, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, models.MaxRetry, b.callCount())
}

func TestSaveBatch_FlushesInBackground(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})

	require.NoError(t, s.SaveBatch(context.Background(), []*models.Reading{reading("A"), reading("B"), reading("C")}))
	require.NoError(t, s.SaveBatch(context.Background(), nil))

	assert.Eventually(t, func() bool {
		return len(b.names()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, b.names())
}

func TestClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.db")
	b := &fakeBackend{down: true}
	logger := zerolog.New(io.Discard)
	s := NewResilient(openQueue(t, path), b, Options{
		DrainTimeout: time.Second,
		Flush:        flush.Options{Interval: time.Hour},
	}, &logger)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, reading("A")))
	require.NoError(t, s.Save(ctx, reading("B")))

	// Backend comes back just before shutdown: the final drain delivers.
	b.setDown(false)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"A", "B"}, b.names())
	assert.Equal(t, 1, b.closed)

	assert.ErrorIs(t, s.Save(ctx, reading("C")), ErrClosed)
	assert.ErrorIs(t, s.SaveBatch(ctx, []*models.Reading{reading("C")}), ErrClosed)
	_, err := s.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	q := openQueue(t, path)
	defer q.Close()
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCached)
}

func TestProbeIntervalDefersImmediateForwards(t *testing.T) {
	b := &fakeBackend{down: true}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{ProbeInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, reading("A")))
	assert.Equal(t, 1, b.callCount())

	b.setDown(false)
	require.NoError(t, s.Save(ctx, reading("B")))
	assert.Equal(t, 1, b.callCount(), "immediate forward skipped while backend is marked down")

	res, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Forwarded)

	// A successful cycle clears the mark.
	require.NoError(t, s.Save(ctx, reading("C")))
	assert.Equal(t, []string{"A", "B", "C"}, b.names())

	t.Run("ProbeAfterInterval", func(t *testing.T) {
		b.setDown(true)
		require.NoError(t, s.Save(ctx, reading("D")))
		calls := b.callCount()

		s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { s.now = time.Now }()
		b.setDown(false)
		require.NoError(t, s.Save(ctx, reading("E")))
		assert.Equal(t, calls+1, b.callCount())
	})
}

func TestCycleSkipsEntryBeingForwarded(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	var res models.CycleResult
	var cycleErr error
	b.onSave = func() {
		res, cycleErr = s.SyncNow(ctx)
	}

	require.NoError(t, s.Save(ctx, reading("A")))
	require.NoError(t, cycleErr)
	assert.Zero(t, res.Fetched, "cycle must not pick up an entry the immediate path holds")
	assert.Equal(t, []string{"A"}, b.names())
	assert.Zero(t, s.inflight.size())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCached)
}

func TestFailedImmediateForwardReleasesEntry(t *testing.T) {
	b := &fakeBackend{down: true}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, reading("A")))
	assert.Zero(t, s.inflight.size())

	b.setDown(false)
	res, err := s.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Forwarded)
	assert.Equal(t, []string{"A"}, b.names())
}

func TestConcurrentSaves(t *testing.T) {
	b := &fakeBackend{delay: 2 * time.Millisecond}
	s := newTestStorage(t, filepath.Join(t.TempDir(), "q.db"), b, Options{
		Flush: flush.Options{Interval: time.Millisecond},
	})
	ctx := context.Background()

	const writers = 6
	const perWriter = 15

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("w%d-%d", w, i)
				if i%3 == 0 {
					assert.NoError(t, s.SaveBatch(ctx, []*models.Reading{reading(name)}))
					continue
				}
				assert.NoError(t, s.Save(ctx, reading(name)))
			}
		}(w)
	}
	wg.Wait()

	_, err := s.SyncNow(ctx)
	require.NoError(t, err)

	// The worker may still be finishing a cycle that started before SyncNow.
	assert.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		return err == nil && stats.TotalCached == 0
	}, 5*time.Second, 10*time.Millisecond)

	delivered := make(map[string]int)
	for _, name := range b.names() {
		delivered[name]++
	}
	assert.Len(t, delivered, writers*perWriter)
	for name, n := range delivered {
		assert.Equal(t, 1, n, "%s delivered %d times", name, n)
	}
}
