package worker

import (
	"context"
	"time"

	"mailsync_server/pkg/logger"
)

// =============================================================================
// WatchRenewScheduler - Gmail Watch 갱신 스케줄러
// =============================================================================
//
// Gmail Watch는 7일마다 만료됩니다. 만료 margin 안에 들어온 watch를 갱신하고
// 실패한 등록은 backoff 이후 재시도합니다.

// WatchRenewer is watch.Registrar.
type WatchRenewer interface {
	RenewDue(ctx context.Context) (renewed, failed int, err error)
}

type WatchRenewScheduler struct {
	periodic
	renewer WatchRenewer
}

// NewWatchRenewScheduler creates a new watch renew scheduler.
func NewWatchRenewScheduler(renewer WatchRenewer, interval time.Duration) *WatchRenewScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &WatchRenewScheduler{renewer: renewer}
	s.periodic = periodic{
		name:     "WatchRenewScheduler",
		interval: interval,
		timeout:  10 * time.Minute,
		tick:     s.renewExpiringWatches,
	}
	return s
}

func (s *WatchRenewScheduler) renewExpiringWatches(ctx context.Context) {
	renewed, failed, err := s.renewer.RenewDue(ctx)
	if err != nil {
		logger.Error("[WatchRenewScheduler] Failed to renew watches: %v", err)
		return
	}
	if failed > 0 {
		logger.Warn("[WatchRenewScheduler] renewed=%d failed=%d", renewed, failed)
	}
}
