package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

const (
	defaultChangesLimit = 200
	maxChangesLimit     = 1000
)

// SyncEngine is the part of Engine the control service drives.
type SyncEngine interface {
	in.SyncRunner
	Stop(ownerID uuid.UUID) bool
}

// ControlService implements the sync control API.
type ControlService struct {
	accounts   out.AccountRepository
	messages   out.MessageRepository
	statuses   out.SyncStateRepository
	engine     SyncEngine
	watches    in.WatchService
	classifier in.ClassificationDispatcher
	queue      out.SyncQueue
}

func NewControlService(
	accounts out.AccountRepository,
	messages out.MessageRepository,
	statuses out.SyncStateRepository,
	engine SyncEngine,
	watches in.WatchService,
	classifier in.ClassificationDispatcher,
	queue out.SyncQueue,
) *ControlService {
	return &ControlService{
		accounts:   accounts,
		messages:   messages,
		statuses:   statuses,
		engine:     engine,
		watches:    watches,
		classifier: classifier,
		queue:      queue,
	}
}

// StartSync registers the push watch and queues a full sync for a mailbox
// that has never synced, an incremental one otherwise.
func (s *ControlService) StartSync(ctx context.Context, ownerID uuid.UUID) (*in.StartSyncResult, error) {
	account, err := s.connectedAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	result := &in.StartSyncResult{Mode: domain.SyncModeIncremental}
	if !account.HasCursor() {
		result.Mode = domain.SyncModeFull
	}

	// a stopped owner gets no watch, so clear the state first
	if status, err := s.statuses.GetStatus(ctx, ownerID); err == nil && status.State == domain.SyncStateStopped {
		status.State = domain.SyncStateIdle
		status.UpdatedAt = time.Now()
		if err := s.statuses.SaveStatus(ctx, status); err != nil {
			return nil, fmt.Errorf("reset stopped status: %w", err)
		}
	}

	watch, err := s.watches.EnsureWatch(ctx, ownerID)
	switch {
	case domain.IsAuthExpired(err):
		return nil, err
	case err != nil:
		// the renewal scheduler retries; syncing can start without push
		logger.Warn("[ControlService.StartSync] watch registration failed for %s: %v", ownerID, err)
	default:
		result.WatchActive = watch != nil && watch.Active
	}

	trigger := &domain.SyncTrigger{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Mode:       result.Mode,
		Source:     "control",
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.EnqueueSync(ctx, trigger); err != nil {
		return nil, domain.NewSyncError(domain.ErrClassTransient, "control.start", fmt.Errorf("enqueue sync: %w", err))
	}
	result.Queued = true

	logger.Info("[ControlService.StartSync] queued %s sync for %s (watch=%v)", result.Mode, ownerID, result.WatchActive)
	return result, nil
}

// StopSync ends the in-flight sync after its current page, removes the push
// watch and drops pending phase-2 work.
func (s *ControlService) StopSync(ctx context.Context, ownerID uuid.UUID) error {
	if _, err := s.accounts.Get(ctx, ownerID); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("load account: %w", err)
	}

	running := s.engine.Stop(ownerID)
	if err := s.watches.Deregister(ctx, ownerID); err != nil {
		logger.Warn("[ControlService.StopSync] watch deregistration failed for %s: %v", ownerID, err)
	}
	s.classifier.DropOwner(ownerID)

	status, err := s.statuses.GetStatus(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	status.State = domain.SyncStateStopped
	status.WatchActive = false
	status.NextRetryAt = time.Time{}
	status.UpdatedAt = time.Now()
	if err := s.statuses.SaveStatus(ctx, status); err != nil {
		return fmt.Errorf("save status: %w", err)
	}

	logger.Info("[ControlService.StopSync] stopped sync for %s (was running: %v)", ownerID, running)
	return nil
}

// GetSyncStatus returns the stored status with the live cursor and watch state.
func (s *ControlService) GetSyncStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error) {
	account, err := s.accounts.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	status, err := s.statuses.GetStatus(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if account.HistoryCursor > status.HistoryCursor {
		status.HistoryCursor = account.HistoryCursor
	}
	if status.LastSyncedAt.IsZero() {
		status.LastSyncedAt = account.LastSyncedAt
	}
	status.WatchActive = account.Connected && account.WatchActive
	return status, nil
}

// ForceSync runs a sync synchronously. When a sync is already running the
// request is folded into it and 0 is returned. A stopped owner gets
// ErrSyncStopped.
func (s *ControlService) ForceSync(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if _, err := s.connectedAccount(ctx, ownerID); err != nil {
		return 0, err
	}
	res, err := s.engine.IncrementalSync(ctx, ownerID, 0)
	if err != nil {
		return 0, err
	}
	if res.Coalesced {
		return 0, nil
	}
	return res.Synced, nil
}

// ChangesSince returns messages changed after cursor, oldest change first.
func (s *ControlService) ChangesSince(ctx context.Context, ownerID uuid.UUID, cursor uint64, limit int) (*in.ChangeSnapshot, error) {
	if limit <= 0 {
		limit = defaultChangesLimit
	}
	if limit > maxChangesLimit {
		limit = maxChangesLimit
	}
	if _, err := s.accounts.Get(ctx, ownerID); err != nil {
		return nil, err
	}

	msgs, err := s.messages.FindByOwnerSince(ctx, ownerID, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("find changes: %w", err)
	}

	snap := &in.ChangeSnapshot{Cursor: cursor, Messages: msgs}
	if len(msgs) > limit {
		snap.HasMore = true
		snap.Messages = msgs[:limit]
	}
	for _, m := range snap.Messages {
		if m.HistoryID > snap.Cursor {
			snap.Cursor = m.HistoryID
		}
	}
	if snap.Messages == nil {
		snap.Messages = []*domain.Message{}
	}
	return snap, nil
}

func (s *ControlService) connectedAccount(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	account, err := s.accounts.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !account.Connected {
		return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "control", domain.ErrNotConnected)
	}
	return account, nil
}
