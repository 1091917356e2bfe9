package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

const syncLockPrefix = "mailsync:lock:"

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisSyncLock guards an owner's sync across worker processes.
type RedisSyncLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSyncLock(client *redis.Client, ttl time.Duration) *RedisSyncLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSyncLock{client: client, ttl: ttl}
}

// TryLock returns ok=false when another process holds key. Redis failures
// are Transient so the job is retried rather than run unguarded.
func (l *RedisSyncLock) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	fullKey := syncLockPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, domain.NewSyncError(domain.ErrClassTransient, "sync.lock", fmt.Errorf("acquire %s: %w", key, err))
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(relCtx, l.client, []string{fullKey}, token)
	}
	return release, true, nil
}

var _ out.SyncLock = (*RedisSyncLock)(nil)
