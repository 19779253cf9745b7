package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sensorbridge/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindRelational = "relational"
	KindTimeSeries = "time_series"
	KindFlatFile   = "flat_file"
	KindDisabled   = "disabled"
)

// Relational drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Redis      RedisConfig      `yaml:"redis"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Sensors    []SensorConfig   `yaml:"sensors"`
	Storage    StorageConfig    `yaml:"storage"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	// Caller adds file:line to every event.
	Caller   bool   `yaml:"caller"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type IngestConfig struct {
	ReadInterval time.Duration `yaml:"read_interval"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig describes the serial-to-MQTT bridge the collector reads from.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type SensorConfig struct {
	Name    string `yaml:"name"`
	SlaveID int    `yaml:"slave_id"`
}

type StorageConfig struct {
	Backend BackendConfig `yaml:"backend"`
	Queue   QueueConfig   `yaml:"queue"`
	Flush   FlushConfig   `yaml:"flush"`
	// ProbeInterval > 0 makes the facade skip immediate forwards for this long
	// after one failed, leaving delivery to the flush engine.
	ProbeInterval time.Duration    `yaml:"probe_interval"`
	DeadLetter    DeadLetterConfig `yaml:"dead_letter"`
}

type BackendConfig struct {
	Kind       string           `yaml:"kind"`
	Relational RelationalConfig `yaml:"relational"`
	TimeSeries TimeSeriesConfig `yaml:"time_series"`
	FlatFile   FlatFileConfig   `yaml:"flat_file"`
}

type RelationalConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type TimeSeriesConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

type FlatFileConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Path     string `yaml:"path"`
	MaxRetry int    `yaml:"max_retry"`
	// Disabled writes straight to the backend without the write-ahead queue.
	Disabled bool `yaml:"disabled"`
}

type FlushConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
}

type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML with ${ENV} expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return ValidateSensors(c.Sensors)
}

func (s *StorageConfig) Validate() error {
	switch s.Backend.Kind {
	case KindDisabled:
		return nil
	case KindRelational:
		switch s.Backend.Relational.Driver {
		case DriverSQLite:
			if s.Backend.Relational.Path == "" {
				return errors.New("storage.backend.relational.path is required for sqlite")
			}
		case DriverPostgres:
			if s.Backend.Relational.DSN == "" {
				return errors.New("storage.backend.relational.dsn is required for postgres")
			}
		default:
			return fmt.Errorf("unknown relational driver: %q", s.Backend.Relational.Driver)
		}
	case KindTimeSeries:
		ts := s.Backend.TimeSeries
		if ts.URL == "" || ts.Org == "" || ts.Bucket == "" {
			return errors.New("storage.backend.time_series requires url, org and bucket")
		}
	case KindFlatFile:
	default:
		return fmt.Errorf("unknown storage backend kind: %q", s.Backend.Kind)
	}

	if !s.Queue.Disabled && s.Queue.Path == "" {
		return errors.New("storage.queue.path is required")
	}
	if s.Queue.MaxRetry < 1 {
		return errors.New("storage.queue.max_retry must be positive")
	}
	return nil
}

func ValidateSensors(sensors []SensorConfig) error {
	names := make(map[string]bool)
	for _, sensor := range sensors {
		if strings.TrimSpace(sensor.Name) == "" {
			return fmt.Errorf("sensor with slave_id %d has empty name", sensor.SlaveID)
		}
		if names[sensor.Name] {
			return fmt.Errorf("duplicate sensor name found: %s", sensor.Name)
		}
		names[sensor.Name] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sensorbridge"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Ingest.ReadInterval <= 0 {
		c.Ingest.ReadInterval = models.DefaultReadInterval
	}
	if c.Ingest.MQTT.ClientID == "" {
		c.Ingest.MQTT.ClientID = c.App.Name
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	c.Storage.ApplyDefaults()
}

// ApplyDefaults fills zero values; safe to call more than once.
func (s *StorageConfig) ApplyDefaults() {
	s.Backend.Kind = strings.ToLower(strings.TrimSpace(s.Backend.Kind))
	switch s.Backend.Kind {
	case "":
		s.Backend.Kind = KindRelational
	case "none":
		s.Backend.Kind = KindDisabled
	}
	if s.Backend.Relational.Driver == "" {
		s.Backend.Relational.Driver = DriverSQLite
	}
	if s.Backend.Relational.Driver == DriverSQLite && s.Backend.Relational.Path == "" {
		s.Backend.Relational.Path = "sensor_data.db"
	}
	if s.Backend.TimeSeries.URL == "" {
		s.Backend.TimeSeries.URL = "http://localhost:8086"
	}
	if s.Backend.TimeSeries.Timeout <= 0 {
		s.Backend.TimeSeries.Timeout = models.DefaultForwardTimeout
	}

	if s.Queue.Path == "" {
		s.Queue.Path = models.DefaultQueuePath
	}
	if s.Queue.MaxRetry == 0 {
		s.Queue.MaxRetry = models.MaxRetry
	}

	if s.Flush.Interval <= 0 {
		s.Flush.Interval = models.DefaultFlushInterval
	}
	if s.Flush.BatchSize <= 0 {
		s.Flush.BatchSize = models.DefaultBatchSize
	}
	if s.Flush.ForwardTimeout <= 0 {
		s.Flush.ForwardTimeout = models.DefaultForwardTimeout
	}
	if s.Flush.DrainTimeout <= 0 {
		s.Flush.DrainTimeout = models.DefaultDrainTimeout
	}

	if s.DeadLetter.Key == "" {
		s.DeadLetter.Key = models.DefaultDeadLetterKey
	}
}
