// Package ingest turns sensor polls into readings and hands them to storage.
package ingest

import (
	"context"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"
)

// Measurement is one successful sensor read.
type Measurement struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Poller reads every sensor once. A nil value means that sensor failed this
// round.
type Poller interface {
	Poll(ctx context.Context) (map[string]*Measurement, error)
}

// Sink accepts readings. storage.Storage satisfies it.
type Sink interface {
	SaveBatch(ctx context.Context, rs []*models.Reading) error
}

// BuildReadings converts one poll into readings, in sensor configuration
// order. Sensors without a measurement or without configuration are skipped.
// Every reading of a poll shares the same capture time.
func BuildReadings(results map[string]*Measurement, sensors []config.SensorConfig, now time.Time) []*models.Reading {
	readings := make([]*models.Reading, 0, len(results))
	for _, sensor := range sensors {
		m, ok := results[sensor.Name]
		if !ok || m == nil {
			continue
		}
		readings = append(readings, &models.Reading{
			SensorName:  sensor.Name,
			SlaveID:     sensor.SlaveID,
			Temperature: m.Temperature,
			Humidity:    m.Humidity,
			CapturedAt:  now.UTC(),
		})
	}
	return readings
}
