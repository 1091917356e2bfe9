package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

// =============================================================================
// SyncRetryScheduler - 동기화 재시도 스케줄러
// =============================================================================
//
// error 상태에서 next_retry_at 이 지난 owner를 찾아 sync trigger를 다시 큐에 넣습니다.
// AuthExpired 는 재시도하지 않습니다 (ScheduleRetry 가 next_retry_at 을 비움).

const retryBatchLimit = 100

type SyncRetryScheduler struct {
	periodic
	statuses out.SyncStateRepository
	queue    out.SyncQueue
	dedup    out.Deduplicator
	now      func() time.Time
}

// NewSyncRetryScheduler creates a new sync retry scheduler. dedup, when set,
// keeps several worker processes from queueing the same retry slot.
func NewSyncRetryScheduler(statuses out.SyncStateRepository, queue out.SyncQueue, dedup out.Deduplicator, interval time.Duration) *SyncRetryScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &SyncRetryScheduler{
		statuses: statuses,
		queue:    queue,
		dedup:    dedup,
		now:      time.Now,
	}
	s.periodic = periodic{
		name:     "SyncRetryScheduler",
		interval: interval,
		timeout:  2 * time.Minute,
		tick:     func(ctx context.Context) { s.processPendingRetries(ctx) },
	}
	return s
}

// processPendingRetries queues one trigger per due status and returns how
// many were queued.
func (s *SyncRetryScheduler) processPendingRetries(ctx context.Context) int {
	now := s.now()
	states, err := s.statuses.ListDueRetries(ctx, now, retryBatchLimit)
	if err != nil {
		logger.Error("[SyncRetryScheduler] Failed to get pending retries: %v", err)
		return 0
	}
	if len(states) == 0 {
		return 0
	}

	queued := 0
	for _, state := range states {
		if !state.RetryDue(now) {
			continue
		}
		if s.dedup != nil {
			first, err := s.dedup.FirstSeen(ctx, retrySlotKey(state.OwnerID, state.NextRetryAt), 2*s.interval)
			if err == nil && !first {
				continue
			}
		}

		trigger := &domain.SyncTrigger{
			ID:         uuid.NewString(),
			OwnerID:    state.OwnerID,
			Mode:       domain.SyncModeIncremental,
			Source:     "retry",
			EnqueuedAt: now.UTC(),
		}
		if state.Mode == domain.SyncModeFull {
			trigger.Mode = domain.SyncModeFull
		}
		if err := s.queue.EnqueueSync(ctx, trigger); err != nil {
			logger.Error("[SyncRetryScheduler] Failed to queue retry for %s: %v", state.OwnerID, err)
			continue
		}
		queued++
	}

	logger.Info("[SyncRetryScheduler] Queued %d of %d pending retries", queued, len(states))
	return queued
}

func retrySlotKey(ownerID uuid.UUID, slot time.Time) string {
	return fmt.Sprintf("sync:retry:%s:%d", ownerID, slot.Unix())
}
