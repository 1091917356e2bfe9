package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// SyncQueue carries sync triggers from the webhook and control API to the
// worker process (Redis Streams).
type SyncQueue interface {
	EnqueueSync(ctx context.Context, trigger *domain.SyncTrigger) error
}

// SyncLock is a cross-process guard so two workers never sync the same owner.
type SyncLock interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Deduplicator remembers keys for a while (push notification idempotency).
type Deduplicator interface {
	// FirstSeen claims key for ttl and reports whether this call claimed it.
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}
