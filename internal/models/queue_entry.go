package models

import "time"

// QueueEntry is a reading waiting in the write-ahead queue for delivery.
type QueueEntry struct {
	ID         int64     `json:"id"`
	Reading    Reading   `json:"reading"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// EligibleForRetry reports whether automatic flushing still considers the entry.
// The retry counter itself stays available for diagnostics either way.
func (e QueueEntry) EligibleForRetry(maxRetry int) bool {
	return e.RetryCount < maxRetry
}

// QueueStats summarizes the queue contents.
type QueueStats struct {
	TotalCached int    `json:"total_cached"`
	Pending     int    `json:"pending"`
	FailedCount int    `json:"failed_count"`
	StuckCount  int    `json:"stuck_count"`
	Path        string `json:"path"`
}

// CycleResult describes one flush cycle.
type CycleResult struct {
	Fetched   int           `json:"fetched"`
	Forwarded int           `json:"forwarded"`
	Failed    int           `json:"failed"`
	Stuck     int           `json:"stuck"`
	Duration  time.Duration `json:"duration"`
}
