// Package deadletter publishes queue entries that exhausted their retries so
// operators can see them outside the queue file.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"sensorbridge/internal/config"
	"sensorbridge/internal/models"

	"github.com/redis/go-redis/v9"
)

// Sink receives entries that just became stuck.
type Sink interface {
	Push(ctx context.Context, entry models.QueueEntry) error
}

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	return redis.NewClient(options)
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// RedisList keeps stuck entries as JSON in a Redis list, newest first.
type RedisList struct {
	client *redis.Client
	key    string
}

func NewRedisList(client *redis.Client, key string) *RedisList {
	return &RedisList{client: client, key: key}
}

func (r *RedisList) Key() string {
	return r.key
}

func (r *RedisList) Push(ctx context.Context, entry models.QueueEntry) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %d: %w", entry.ID, err)
	}
	if err := r.client.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push entry %d: %w", entry.ID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (r *RedisList) List(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	values, err := r.client.LRange(ctx, r.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(values))
	for _, v := range values {
		var e models.QueueEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of dead letters.
func (r *RedisList) Len(ctx context.Context) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	return r.client.LLen(ctx, r.key).Result()
}
