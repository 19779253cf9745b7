package ingest

import (
	"context"
	"fmt"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/models"

	"github.com/rs/zerolog"
)

// Collector polls on a fixed interval and saves what it gets.
type Collector struct {
	poller   Poller
	sink     Sink
	sensors  []config.SensorConfig
	interval time.Duration
	logger   *zerolog.Logger
	now      func() time.Time
}

// NewCollector builds a collector. A nil sink discards readings.
func NewCollector(poller Poller, sink Sink, sensors []config.SensorConfig, interval time.Duration, logger *zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = models.DefaultReadInterval
	}
	return &Collector{
		poller:   poller,
		sink:     sink,
		sensors:  sensors,
		interval: interval,
		logger:   logging.Component(logger, "collector"),
		now:      time.Now,
	}
}

// PollOnce performs one poll and returns the number of readings saved.
func (c *Collector) PollOnce(ctx context.Context) (int, error) {
	results, err := c.poller.Poll(ctx)
	if err != nil {
		return 0, fmt.Errorf("poll sensors: %w", err)
	}

	readings := BuildReadings(results, c.sensors, c.now())
	if missing := len(c.sensors) - len(readings); missing > 0 {
		c.logger.Debug().Int("missing", missing).Msg("some sensors returned no data")
	}
	if len(readings) == 0 || c.sink == nil {
		return 0, nil
	}

	if err := c.sink.SaveBatch(ctx, readings); err != nil {
		return 0, fmt.Errorf("save readings: %w", err)
	}
	return len(readings), nil
}

// Run polls until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info().Dur("interval", c.interval).Int("sensors", len(c.sensors)).Msg("collector started")
	defer c.logger.Info().Msg("collector stopped")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.PollOnce(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("collection round failed")
				continue
			}
			c.logger.Debug().Int("saved", n).Msg("collection round done")
		}
	}
}
