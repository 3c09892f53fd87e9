package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EnqueueCacheTTL is how long cached enqueue results are retained. The
// outbox's unique constraint is the durable dedup guarantee; this cache only
// spares the database a round-trip when a producer retries the same enqueue
// within the window.
const EnqueueCacheTTL = 24 * time.Hour

// EnqueueResult is the cached response for an idempotent enqueue call.
type EnqueueResult struct {
	NotificationID string `json:"notification_id"`
	Duplicate      bool   `json:"duplicate"`
	CreatedAt      int64  `json:"created_at"`
}

// EnqueueCache caches enqueue responses by idempotency key.
type EnqueueCache struct {
	client *Client
	logger *zap.Logger
}

// NewEnqueueCache creates a new enqueue response cache.
func NewEnqueueCache(client *Client, logger *zap.Logger) *EnqueueCache {
	return &EnqueueCache{
		client: client,
		logger: logger,
	}
}

func (c *EnqueueCache) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("enqueue:%s", idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if the key has not been seen.
func (c *EnqueueCache) Check(ctx context.Context, idempotencyKey string) (*EnqueueResult, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var result EnqueueResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		c.logger.Error("failed to unmarshal cached enqueue result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	c.logger.Debug("enqueue cache hit",
		zap.String("idempotency_key", idempotencyKey),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a processed enqueue call.
func (c *EnqueueCache) Store(ctx context.Context, idempotencyKey string, result *EnqueueResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.rdb.Set(ctx, c.buildKey(idempotencyKey), data, EnqueueCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}
