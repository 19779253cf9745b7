package storage

import (
	"context"
	"sync"

	"sensorbridge/internal/models"
	"sensorbridge/internal/queue"
)

// inflight holds the ids the immediate path is forwarding. Enqueue and claim
// happen under the same lock that flush cycles take to read pending entries,
// so a cycle either runs before the entry exists or sees it claimed.
type inflight struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[int64]struct{})}
}

func (f *inflight) enqueue(ctx context.Context, q *queue.Queue, r models.Reading, claim func() bool) (id int64, claimed bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err = q.Enqueue(ctx, r)
	if err != nil {
		return 0, false, err
	}
	if claim() {
		f.ids[id] = struct{}{}
		claimed = true
	}
	return id, claimed, nil
}

func (f *inflight) release(id int64) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func (f *inflight) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// cycleQueue is the queue as flush cycles see it: claimed entries are hidden
// until the immediate path releases them.
type cycleQueue struct {
	*queue.Queue
	inflight *inflight
}

func (c cycleQueue) Pending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	c.inflight.mu.Lock()
	defer c.inflight.mu.Unlock()

	entries, err := c.Queue.Pending(ctx, limit)
	if err != nil || len(c.inflight.ids) == 0 {
		return entries, err
	}

	out := entries[:0]
	for _, e := range entries {
		if _, busy := c.inflight.ids[e.ID]; busy {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
