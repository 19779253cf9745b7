package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
)

const measurement = "sensor_data"

// Influx writes readings as points of the sensor_data measurement.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewInflux(cfg config.TimeSeriesConfig, logger *zerolog.Logger) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, initErr(config.KindTimeSeries, errors.New("url, org and bucket are required"))
	}

	options := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		secs := uint(cfg.Timeout.Seconds())
		if secs == 0 {
			secs = 1
		}
		options.SetHTTPRequestTimeout(secs)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	logger.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("backend ready")
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
	}, nil
}

func toPoint(r *models.Reading) *write.Point {
	return influxdb2.NewPoint(measurement,
		map[string]string{
			"sensor":   r.SensorName,
			"slave_id": strconv.Itoa(r.SlaveID),
		},
		map[string]interface{}{
			"temperature": r.Temperature,
			"humidity":    r.Humidity,
		},
		r.CapturedAt,
	)
}

func (i *Influx) Save(ctx context.Context, r *models.Reading) error {
	if i.closed.Load() {
		return wrapErr(config.KindTimeSeries, "save", ErrClosed)
	}
	return wrapErr(config.KindTimeSeries, "save", i.writeAPI.WritePoint(ctx, toPoint(r)))
}

// SaveBatch sends every point in a single blocking write request.
func (i *Influx) SaveBatch(ctx context.Context, rs []*models.Reading) error {
	if i.closed.Load() {
		return wrapErr(config.KindTimeSeries, "save batch", ErrClosed)
	}
	if len(rs) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(rs))
	for _, r := range rs {
		points = append(points, toPoint(r))
	}
	return wrapErr(config.KindTimeSeries, "save batch", i.writeAPI.WritePoint(ctx, points...))
}

// Ping asks the server health endpoint; anything but "pass" is an error.
func (i *Influx) Ping(ctx context.Context) error {
	check, err := i.client.Health(ctx)
	if err != nil {
		return wrapErr(config.KindTimeSeries, "ping", err)
	}
	if check.Status != domain.HealthCheckStatusPass {
		msg := ""
		if check.Message != nil {
			msg = *check.Message
		}
		return wrapErr(config.KindTimeSeries, "ping", fmt.Errorf("status %s: %s", check.Status, msg))
	}
	return nil
}

func (i *Influx) Close() error {
	i.closeOnce.Do(func() {
		i.closed.Store(true)
		i.client.Close()
	})
	return nil
}
