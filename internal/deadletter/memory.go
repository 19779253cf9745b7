package deadletter

import (
	"context"
	"sync"

	"sensorbridge/internal/models"
)

// Memory keeps the most recent dead letters in process. Oldest are dropped
// once capacity is reached.
type Memory struct {
	mu       sync.Mutex
	entries  []models.QueueEntry
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Push(ctx context.Context, entry models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == m.capacity {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, entry)
	return nil
}

// List returns a copy of the held entries, newest first.
func (m *Memory) List() []models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueueEntry, len(m.entries))
	for i, e := range m.entries {
		out[len(m.entries)-1-i] = e
	}
	return out
}
