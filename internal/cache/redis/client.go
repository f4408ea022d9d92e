package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func NewFromAddr(addr string, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetSnapshot caches the serialized catalog snapshot under its version key.
func (c *Client) SetSnapshot(ctx context.Context, version string, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("snapshot:%s", version), data, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	logger.Debug("Snapshot cached", zap.String("version", version))
	return nil
}

func (c *Client) GetSnapshot(ctx context.Context, version string, snapshot interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("snapshot:%s", version)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get snapshot cache: %w", err)
	}

	if err := json.Unmarshal(data, snapshot); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return true, nil
}

// SetInsight caches a finished answer keyed by the utterance/snapshot hash.
func (c *Client) SetInsight(ctx context.Context, key string, insight interface{}) error {
	data, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("failed to marshal insight: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("insight:%s", key), data, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set insight cache: %w", err)
	}

	logger.Debug("Insight cached", zap.String("key", key))
	return nil
}

func (c *Client) GetInsight(ctx context.Context, key string, insight interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("insight:%s", key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get insight cache: %w", err)
	}

	if err := json.Unmarshal(data, insight); err != nil {
		return false, fmt.Errorf("failed to unmarshal insight: %w", err)
	}

	logger.Debug("Insight cache hit", zap.String("key", key))
	return true, nil
}

// InvalidateInsights drops all cached answers, used when the catalog
// snapshot version changes.
func (c *Client) InvalidateInsights(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "insight:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Insight cache invalidated")
	return nil
}
