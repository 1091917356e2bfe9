package messaging

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduplicator claims keys with SET NX so redelivered push
// notifications are only processed once per TTL window.
type RedisDeduplicator struct {
	client *redis.Client
}

func NewRedisDeduplicator(client *redis.Client) *RedisDeduplicator {
	return &RedisDeduplicator{client: client}
}

func (d *RedisDeduplicator) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, key, "1", ttl).Result()
}

func (d *RedisDeduplicator) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}
