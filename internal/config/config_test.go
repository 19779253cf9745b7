package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensorbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("INFLUX_TOKEN", "secret-token")

	yamlContent := `
app:
  name: "greenhouse"
sensors:
  - name: "hall"
    slave_id: 1
  - name: "cellar"
    slave_id: 2
storage:
  backend:
    kind: time_series
    time_series:
      url: "http://influx:8086"
      token: "${INFLUX_TOKEN}"
      org: "farm"
      bucket: "climate"
  queue:
    path: "/var/lib/sensorbridge/cache.db"
  flush:
    interval: 30s
    batch_size: 50
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "greenhouse", cfg.App.Name)
	assert.Len(t, cfg.Sensors, 2)
	assert.Equal(t, KindTimeSeries, cfg.Storage.Backend.Kind)
	assert.Equal(t, "secret-token", cfg.Storage.Backend.TimeSeries.Token)
	assert.Equal(t, 30*time.Second, cfg.Storage.Flush.Interval)
	assert.Equal(t, 50, cfg.Storage.Flush.BatchSize)
	assert.Equal(t, models.MaxRetry, cfg.Storage.Queue.MaxRetry)
	assert.Equal(t, models.DefaultForwardTimeout, cfg.Storage.Flush.ForwardTimeout)
	assert.Equal(t, "greenhouse", cfg.Ingest.MQTT.ClientID)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "disabled backend",
			mutate: func(c *Config) {
				c.Storage.Backend.Kind = KindDisabled
			},
			wantErr: false,
		},
		{
			name: "unknown kind",
			mutate: func(c *Config) {
				c.Storage.Backend.Kind = "mongodb"
			},
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Storage.Backend.Relational.Driver = DriverPostgres
			},
			wantErr: true,
		},
		{
			name: "unknown driver",
			mutate: func(c *Config) {
				c.Storage.Backend.Relational.Driver = "oracle"
			},
			wantErr: true,
		},
		{
			name: "time series without bucket",
			mutate: func(c *Config) {
				c.Storage.Backend.Kind = KindTimeSeries
				c.Storage.Backend.TimeSeries.Org = "org"
			},
			wantErr: true,
		},
		{
			name: "negative max retry",
			mutate: func(c *Config) {
				c.Storage.Queue.MaxRetry = -1
			},
			wantErr: true,
		},
		{
			name: "duplicate sensor",
			mutate: func(c *Config) {
				c.Sensors = []SensorConfig{{Name: "hall", SlaveID: 1}, {Name: "hall", SlaveID: 2}}
			},
			wantErr: true,
		},
		{
			name: "empty sensor name",
			mutate: func(c *Config) {
				c.Sensors = []SensorConfig{{Name: " ", SlaveID: 1}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "sensorbridge", cfg.App.Name)
	assert.Equal(t, KindRelational, cfg.Storage.Backend.Kind)
	assert.Equal(t, DriverSQLite, cfg.Storage.Backend.Relational.Driver)
	assert.Equal(t, "sensor_data.db", cfg.Storage.Backend.Relational.Path)
	assert.Equal(t, models.DefaultQueuePath, cfg.Storage.Queue.Path)
	assert.Equal(t, models.DefaultFlushInterval, cfg.Storage.Flush.Interval)
	assert.Equal(t, models.DefaultBatchSize, cfg.Storage.Flush.BatchSize)
	assert.Equal(t, models.DefaultDrainTimeout, cfg.Storage.Flush.DrainTimeout)
	assert.Equal(t, models.DefaultReadInterval, cfg.Ingest.ReadInterval)
	assert.Equal(t, models.DefaultDeadLetterKey, cfg.Storage.DeadLetter.Key)

	t.Run("NoneMeansDisabled", func(t *testing.T) {
		s := StorageConfig{Backend: BackendConfig{Kind: " None "}}
		s.ApplyDefaults()
		assert.Equal(t, KindDisabled, s.Backend.Kind)
	})
}
