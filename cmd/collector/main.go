package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/deadletter"
	"sensorbridge/internal/ingest"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/metrics"
	"sensorbridge/internal/queue"
	"sensorbridge/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, err := storage.Open(ctx, cfg.Storage, redisClient, &logger)
	if err != nil {
		logger.Error().Err(err).Str("kind", cfg.Storage.Backend.Kind).Msg("init storage")
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("close storage")
			}
		}()
	}

	startMetrics(ctx, cfg, &logger)

	if resilient, ok := store.(*storage.Resilient); ok {
		startBackups(ctx, resilient.Queue(), cfg, &logger)
	}

	poller := ingest.NewMQTTPoller(cfg.Ingest.MQTT, &logger)
	defer poller.Close()
	if err := poller.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Error().Err(err).Str("broker", cfg.Ingest.MQTT.Broker).Msg("connect to sensor bridge")
		return err
	}

	var sink ingest.Sink
	if store != nil {
		sink = store
	}
	collector := ingest.NewCollector(poller, sink, cfg.Sensors, cfg.Ingest.ReadInterval, &logger)

	logger.Info().Int("sensors", len(cfg.Sensors)).Str("backend", cfg.Storage.Backend.Kind).Msg("collector started")
	collector.Run(ctx)
	logger.Info().Msg("shutdown signal received")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "collector-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := deadletter.NewRedisClient(cfg.Redis)
	if err := deadletter.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func startBackups(ctx context.Context, q *queue.Queue, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Backup.Enabled {
		return
	}
	service := queue.NewBackupService(q, cfg.Backup, logger)
	go service.Start(ctx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
