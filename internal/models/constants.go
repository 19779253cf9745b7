package models

import "time"

const (
	// MaxRetry is the number of failed forwards after which a queue entry
	// is no longer picked up by automatic flushing.
	MaxRetry = 10

	// DefaultFlushInterval is the period of the background flush cycle.
	DefaultFlushInterval = 10 * time.Second

	// DefaultBatchSize caps the number of entries fetched per flush cycle.
	DefaultBatchSize = 100

	// DefaultForwardTimeout bounds a single backend round-trip.
	DefaultForwardTimeout = 5 * time.Second

	// DefaultDrainTimeout bounds the final flush performed on close.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultReadInterval is the polling cadence of the collector.
	DefaultReadInterval = 2 * time.Second

	// DefaultQueuePath is where the write-ahead queue lives.
	DefaultQueuePath = "sensor_cache.db"

	// DefaultDeadLetterKey is the Redis list receiving stuck entries.
	DefaultDeadLetterKey = "sensorbridge:deadletter"
)
