package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInflux struct {
	mu      sync.Mutex
	bodies  []string
	failing bool
	status  string
}

func (f *fakeInflux) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"influxdb","message":"ready","status":"`+status+`","checks":[],"version":"2.7.0","commit":"abc"}`)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"code":"internal error","message":"storage engine unavailable"}`)
			return
		}
		f.bodies = append(f.bodies, string(body))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestInflux(t *testing.T) (*Influx, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{status: "pass"}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	i, err := NewInflux(config.TimeSeriesConfig{
		URL:     srv.URL,
		Token:   "token",
		Org:     "home",
		Bucket:  "sensors",
		Timeout: 2 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { i.Close() })
	return i, fake
}

func TestInflux_Save(t *testing.T) {
	i, fake := newTestInflux(t)
	ctx := context.Background()

	require.NoError(t, i.Save(ctx, sampleReading("greenhouse", 21.5, 48.5)))
	require.NoError(t, i.SaveBatch(ctx, []*models.Reading{sampleReading("A", 1.5, 2.5), sampleReading("B", 3.5, 4.5)}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.bodies, 2)
	assert.Contains(t, fake.bodies[0], "sensor_data,sensor=greenhouse,slave_id=3 ")
	assert.Contains(t, fake.bodies[0], "temperature=21.5")
	assert.Contains(t, fake.bodies[0], "humidity=48.5")

	// One request carries the whole batch.
	lines := strings.Split(strings.TrimSpace(fake.bodies[1]), "\n")
	assert.Len(t, lines, 2)
}

func TestInflux_Failure(t *testing.T) {
	i, fake := newTestInflux(t)
	fake.mu.Lock()
	fake.failing = true
	fake.mu.Unlock()

	err := i.Save(context.Background(), sampleReading("A", 1, 1))
	require.Error(t, err)
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, config.KindTimeSeries, be.Kind)
}

func TestInflux_Ping(t *testing.T) {
	i, fake := newTestInflux(t)
	ctx := context.Background()

	require.NoError(t, i.Ping(ctx))

	fake.mu.Lock()
	fake.status = "fail"
	fake.mu.Unlock()
	assert.Error(t, i.Ping(ctx))
}

func TestInflux_Closed(t *testing.T) {
	i, _ := newTestInflux(t)
	require.NoError(t, i.Close())
	require.NoError(t, i.Close())
	assert.ErrorIs(t, i.Save(context.Background(), sampleReading("A", 1, 1)), ErrClosed)
}
