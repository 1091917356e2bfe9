// Package watch registers and renews Gmail push subscriptions.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/resilience"
)

// =============================================================================
// Registrar - Gmail Watch 등록/갱신
// =============================================================================
//
// Gmail watch는 7일 후 만료된다. RenewDue는 만료 renewalMargin 전에 재등록하고,
// 실패한 등록은 지수 백오프(상한 retryCap)로 다시 시도한다.

type Config struct {
	Topic         string
	RenewalMargin time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
	OwnerTimeout  time.Duration
	BatchLimit    int
}

func DefaultConfig(topic string) Config {
	return Config{
		Topic:         topic,
		RenewalMargin: 24 * time.Hour,
		RetryBase:     time.Minute,
		RetryCap:      6 * time.Hour,
		OwnerTimeout:  30 * time.Second,
		BatchLimit:    500,
	}
}

type Registrar struct {
	accounts out.AccountRepository
	watches  out.WatchRepository
	statuses out.SyncStateRepository
	provider out.WatchProvider
	tokens   in.TokenService
	events   out.EventPublisher
	retry    *resilience.RetryPolicy

	cfg Config
	now func() time.Time
}

func NewRegistrar(
	accounts out.AccountRepository,
	watches out.WatchRepository,
	statuses out.SyncStateRepository,
	provider out.WatchProvider,
	tokens in.TokenService,
	events out.EventPublisher,
	retry *resilience.RetryPolicy,
	cfg Config,
) *Registrar {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.OwnerTimeout <= 0 {
		cfg.OwnerTimeout = 30 * time.Second
	}
	return &Registrar{
		accounts: accounts,
		watches:  watches,
		statuses: statuses,
		provider: provider,
		tokens:   tokens,
		events:   events,
		retry:    retry,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (r *Registrar) SetClock(now func() time.Time) {
	r.now = now
}

// EnsureWatch registers a watch unless an active one is outside the renewal
// margin. Failures deactivate the watch and schedule a retry; auth failures
// stop renewal until the owner reconnects. Owners whose sync was stopped get
// no watch until StartSync.
func (r *Registrar) EnsureWatch(ctx context.Context, ownerID uuid.UUID) (*domain.WatchSubscription, error) {
	account, err := r.accounts.Get(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.Connected {
		return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "watch.ensure", domain.ErrNotConnected)
	}
	if r.syncStopped(ctx, ownerID) {
		return nil, domain.NewSyncError(domain.ErrClassFatal, "watch.ensure", domain.ErrSyncStopped)
	}

	current, err := r.watches.GetWatch(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load watch: %w", err)
	}
	now := r.now()
	if current != nil && current.Active && !current.NeedsRenewal(now, r.cfg.RenewalMargin) {
		return current, nil
	}

	token, err := r.tokens.GetValidToken(ctx, ownerID)
	if err != nil {
		return nil, r.fail(ctx, ownerID, current, err)
	}

	resp, err := resilience.DoValue(ctx, r.retry, "watch.register", func(ctx context.Context) (*out.WatchResponse, error) {
		return r.provider.Watch(ctx, token, r.cfg.Topic)
	})
	if err != nil {
		return nil, r.fail(ctx, ownerID, current, err)
	}

	sub := &domain.WatchSubscription{
		OwnerID:   ownerID,
		Topic:     r.cfg.Topic,
		Expiry:    resp.Expiration,
		Active:    true,
		HistoryID: resp.HistoryID,
		UpdatedAt: now,
	}
	if err := r.watches.SaveWatch(ctx, sub); err != nil {
		return nil, fmt.Errorf("save watch: %w", err)
	}

	metrics.IncWatchRenewal("ok")
	logger.Info("[Registrar.EnsureWatch] watch registered for %s, expires %s", ownerID, resp.Expiration.Format(time.RFC3339))
	return sub, nil
}

func (r *Registrar) fail(ctx context.Context, ownerID uuid.UUID, prev *domain.WatchSubscription, cause error) error {
	class := domain.ClassOf(cause)
	now := r.now()

	sub := &domain.WatchSubscription{OwnerID: ownerID, Topic: r.cfg.Topic}
	if prev != nil {
		cp := *prev
		sub = &cp
	}
	sub.Active = false
	sub.LastError = cause.Error()
	sub.RetryCount++
	sub.UpdatedAt = now
	if class == domain.ErrClassAuthExpired {
		sub.NextRetryAt = time.Time{}
	} else {
		sub.NextRetryAt = now.Add(resilience.ExponentialBackoff(r.cfg.RetryBase, r.cfg.RetryCap, sub.RetryCount))
	}

	if err := r.watches.SaveWatch(ctx, sub); err != nil {
		logger.Error("[Registrar.fail] failed to save watch state for %s: %v", ownerID, err)
	}

	data := domain.WatchFailedData{ErrorClass: class, Attempt: sub.RetryCount}
	if !sub.NextRetryAt.IsZero() {
		next := sub.NextRetryAt
		data.NextRetryAt = &next
	}
	if r.events != nil {
		r.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventWatchFailed, data))
	}

	metrics.IncWatchRenewal(string(class))
	logger.Warn("[Registrar.EnsureWatch] watch registration failed for %s (%s, attempt %d): %v",
		ownerID, class, sub.RetryCount, cause)
	return domain.NewSyncError(class, "watch.ensure", cause)
}

// RenewDue renews every watch inside the renewal margin and retries failed
// registrations whose backoff elapsed. One owner's failure never stops the
// loop.
func (r *Registrar) RenewDue(ctx context.Context) (renewed, failed int, err error) {
	now := r.now()
	owners, err := r.watches.ListRenewalCandidates(ctx, now.Add(r.cfg.RenewalMargin), now, r.cfg.BatchLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("list renewal candidates: %w", err)
	}
	if len(owners) > 0 {
		logger.Info("[Registrar.RenewDue] %d watches to renew", len(owners))
	}

	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return renewed, failed, ctx.Err()
		}
		ownerCtx, cancel := context.WithTimeout(ctx, r.cfg.OwnerTimeout)
		_, ensureErr := r.EnsureWatch(ownerCtx, ownerID)
		cancel()
		if errors.Is(ensureErr, domain.ErrSyncStopped) {
			logger.Debug("[Registrar.RenewDue] sync stopped for %s, not renewing", ownerID)
			continue
		}
		if ensureErr != nil {
			failed++
			continue
		}
		renewed++
	}
	return renewed, failed, nil
}

// Deregister stops the provider watch (best effort) and drops local state.
func (r *Registrar) Deregister(ctx context.Context, ownerID uuid.UUID) error {
	token, err := r.tokens.GetValidToken(ctx, ownerID)
	if err == nil {
		if stopErr := r.stopWatch(ctx, token); stopErr != nil {
			logger.Warn("[Registrar.Deregister] provider stop failed for %s: %v", ownerID, stopErr)
		}
	} else if !errors.Is(err, domain.ErrNotConnected) {
		logger.Debug("[Registrar.Deregister] no usable token for %s, skipping provider stop: %v", ownerID, err)
	}

	if err := r.watches.DeleteWatch(ctx, ownerID); err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	return nil
}

// syncStopped reads the sync state; a lookup failure counts as running.
func (r *Registrar) syncStopped(ctx context.Context, ownerID uuid.UUID) bool {
	if r.statuses == nil {
		return false
	}
	status, err := r.statuses.GetStatus(ctx, ownerID)
	if err != nil {
		logger.Warn("[Registrar.syncStopped] failed to load status for %s: %v", ownerID, err)
		return false
	}
	return status.State == domain.SyncStateStopped
}

func (r *Registrar) stopWatch(ctx context.Context, token *oauth2.Token) error {
	return r.retry.Do(ctx, "watch.stop", func(ctx context.Context) error {
		return r.provider.StopWatch(ctx, token)
	})
}
