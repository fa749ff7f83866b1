package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the command id and returns true if it was newly added.
	Add(ctx context.Context, userID, commandID string) (bool, error)
	// Remove forgets a command id so the client may retry it.
	Remove(ctx context.Context, userID, commandID string) error
}

// RedisDeduper stores processed command ids in Redis so all instances
// can avoid reprocessing the same command.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, commandID string) string {
	return "cmd:" + userID + ":" + commandID
}

func (r *RedisDeduper) Add(ctx context.Context, userID, commandID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, commandID), 1, r.ttl).Result()
}

func (r *RedisDeduper) Remove(ctx context.Context, userID, commandID string) error {
	return r.client.Del(ctx, r.key(userID, commandID)).Err()
}
