package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache Redis 기반 L2 캐시
//
// Entries live under cache:{owner}:{gen}:{key}. Invalidating an owner bumps
// cache:gen:{owner}, which orphans every entry of the previous generation;
// orphans expire by their own TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 새 Redis 캐시 생성
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func genKey(ownerID uuid.UUID) string {
	return "cache:gen:" + ownerID.String()
}

func entryKey(ownerID uuid.UUID, gen int64, key string) string {
	return fmt.Sprintf("cache:%s:%d:%s", ownerID, gen, key)
}

// Generation returns the owner's current generation (0 when never bumped).
func (c *RedisCache) Generation(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, genKey(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// BumpGeneration invalidates every entry of the owner.
func (c *RedisCache) BumpGeneration(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	return c.client.Incr(ctx, genKey(ownerID)).Result()
}

// Get 캐시에서 값 조회; the bool is false on a miss.
func (c *RedisCache) Get(ctx context.Context, ownerID uuid.UUID, key string) ([]byte, bool, error) {
	gen, err := c.Generation(ctx, ownerID)
	if err != nil {
		return nil, false, err
	}
	data, err := c.client.Get(ctx, entryKey(ownerID, gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set 캐시에 값 저장 under the owner's current generation.
func (c *RedisCache) Set(ctx context.Context, ownerID uuid.UUID, key string, value []byte, ttl time.Duration) error {
	gen, err := c.Generation(ctx, ownerID)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(ownerID, gen, key), value, ttl).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
