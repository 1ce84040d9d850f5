package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisNamespace = "dedup:sig:"

// RedisIndex keeps recently claimed fingerprints in Redis with the dedup window as TTL.
// A claim is a SETNX, so concurrent drafts with the same fingerprint race on Redis
// and exactly one wins.
type RedisIndex struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisIndex creates a Redis-backed index.
func NewRedisIndex(client redis.UniversalClient, logger *slog.Logger) *RedisIndex {
	return &RedisIndex{client: client, logger: logger}
}

// IsDuplicate reports whether hash is currently claimed. The window was applied as the
// key TTL when it was claimed.
func (r *RedisIndex) IsDuplicate(ctx context.Context, hash string, _ time.Duration) (bool, error) {
	n, err := r.client.Exists(ctx, redisNamespace+hash).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Claim records hash for window. It returns false if another draft already holds it.
func (r *RedisIndex) Claim(ctx context.Context, hash, eventID string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisNamespace+hash, eventID, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		r.logger.Debug("Fingerprint already claimed", "signature", hash)
	}
	return ok, nil
}

// Release drops a claim whose event could not be persisted.
func (r *RedisIndex) Release(ctx context.Context, hash string) error {
	if err := r.client.Del(ctx, redisNamespace+hash).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
