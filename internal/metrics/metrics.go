package metrics

import (
	"sync"

	"sensorbridge/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorbridge"

var (
	once sync.Once

	enqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_enqueued_total",
			Help:      "Readings durably written to the queue.",
		},
	)

	immediateForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "immediate_forwards_total",
			Help:      "Immediate forward attempts by result.",
		},
		[]string{"result"},
	)

	flushCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_cycles_total",
			Help:      "Flush cycles by result (ok, empty, error).",
		},
		[]string{"result"},
	)

	flushEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_entries_total",
			Help:      "Queue entries handled by flush cycles by outcome.",
		},
		[]string{"outcome"},
	)

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_cycle_duration_seconds",
			Help:      "Duration of non-empty flush cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_entries",
			Help:      "Queue entries by state (total, pending, failed, stuck).",
		},
		[]string{"state"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(enqueued, immediateForwards, flushCycles, flushEntries, flushDuration, queueEntries)
	})
}

// AddEnqueued counts readings written to the queue.
func AddEnqueued(n int) {
	enqueued.Add(float64(n))
}

// IncImmediate counts an immediate forward attempt.
func IncImmediate(ok bool) {
	if ok {
		immediateForwards.WithLabelValues("ok").Inc()
		return
	}
	immediateForwards.WithLabelValues("error").Inc()
}

// ObserveCycle records the outcome of a flush cycle.
func ObserveCycle(res models.CycleResult, err error) {
	switch {
	case err != nil:
		flushCycles.WithLabelValues("error").Inc()
	case res.Fetched == 0:
		flushCycles.WithLabelValues("empty").Inc()
	default:
		flushCycles.WithLabelValues("ok").Inc()
		flushDuration.Observe(res.Duration.Seconds())
	}

	flushEntries.WithLabelValues("forwarded").Add(float64(res.Forwarded))
	flushEntries.WithLabelValues("failed").Add(float64(res.Failed))
	flushEntries.WithLabelValues("stuck").Add(float64(res.Stuck))
}

// SetQueueStats publishes the queue gauges.
func SetQueueStats(stats models.QueueStats) {
	queueEntries.WithLabelValues("total").Set(float64(stats.TotalCached))
	queueEntries.WithLabelValues("pending").Set(float64(stats.Pending))
	queueEntries.WithLabelValues("failed").Set(float64(stats.FailedCount))
	queueEntries.WithLabelValues("stuck").Set(float64(stats.StuckCount))
}
