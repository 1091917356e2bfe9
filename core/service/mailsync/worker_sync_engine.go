// Package mailsync keeps the local message replica consistent with the
// provider mailbox.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

type Config struct {
	PageSize     int
	CallTimeout  time.Duration // per provider call
	WriteTimeout time.Duration // per store write
}

func DefaultConfig() Config {
	return Config{
		PageSize:     100,
		CallTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ownerSlot is the per-owner sync state. Fields other than stopped are
// guarded by Engine.mu.
type ownerSlot struct {
	running      bool
	resync       bool
	resyncMode   domain.SyncMode
	resyncCursor uint64
	cancel       context.CancelFunc
	stopped      atomic.Bool
}

// Engine runs full and incremental syncs. At most one sync per owner is in
// flight; requests arriving meanwhile are coalesced into a single follow-up
// pass.
type Engine struct {
	accounts   out.AccountRepository
	messages   out.MessageRepository
	statuses   out.SyncStateRepository
	provider   out.MailProvider
	tokens     in.TokenService
	classifier in.ClassificationDispatcher
	events     out.EventPublisher
	retry      *resilience.RetryPolicy

	cfg Config
	now func() time.Time

	mu    sync.Mutex
	slots map[uuid.UUID]*ownerSlot
}

func NewEngine(
	accounts out.AccountRepository,
	messages out.MessageRepository,
	statuses out.SyncStateRepository,
	provider out.MailProvider,
	tokens in.TokenService,
	classifier in.ClassificationDispatcher,
	events out.EventPublisher,
	retry *resilience.RetryPolicy,
	cfg Config,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Engine{
		accounts:   accounts,
		messages:   messages,
		statuses:   statuses,
		provider:   provider,
		tokens:     tokens,
		classifier: classifier,
		events:     events,
		retry:      retry,
		cfg:        cfg,
		now:        time.Now,
		slots:      make(map[uuid.UUID]*ownerSlot),
	}
}

// SetClock replaces the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// FullSync pages through the whole mailbox.
func (e *Engine) FullSync(ctx context.Context, ownerID uuid.UUID) (*domain.SyncResult, error) {
	return e.run(ctx, ownerID, domain.SyncModeFull, 0)
}

// IncrementalSync applies changes after the stored cursor. A triggerCursor
// at or below the stored cursor is already covered and returns Skipped.
func (e *Engine) IncrementalSync(ctx context.Context, ownerID uuid.UUID, triggerCursor uint64) (*domain.SyncResult, error) {
	return e.run(ctx, ownerID, domain.SyncModeIncremental, triggerCursor)
}

// IsRunning reports whether a sync for the owner is in flight.
func (e *Engine) IsRunning(ownerID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[ownerID]
	return ok && slot.running
}

// Stop makes an in-flight sync end at its next page boundary and drops any
// coalesced follow-up. It reports whether a sync was running.
func (e *Engine) Stop(ownerID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[ownerID]
	if !ok || !slot.running {
		return false
	}
	slot.stopped.Store(true)
	slot.resync = false
	return true
}

func (e *Engine) run(ctx context.Context, ownerID uuid.UUID, mode domain.SyncMode, trigger uint64) (*domain.SyncResult, error) {
	slot, runCtx, ok := e.acquire(ctx, ownerID, mode, trigger)
	if !ok {
		logger.Debug("[Engine.run] %s sync for %s coalesced into running sync", mode, ownerID)
		return &domain.SyncResult{Mode: mode, Coalesced: true}, nil
	}

	total := &domain.SyncResult{Mode: mode}
	for {
		res, err := e.syncOnce(runCtx, ownerID, mode, trigger, slot)
		total.Add(res)
		if res != nil && res.Skipped && total.Pages == 0 {
			total.Skipped = true
		}
		if err != nil {
			// a failed pass schedules its own retry from the stored cursor,
			// which covers any trigger coalesced into it
			if e.release(ownerID, slot) {
				logger.Info("[Engine.run] coalesced pass for %s left to the retry schedule (%s)", ownerID, domain.ClassOf(err))
			}
			return total, err
		}

		var again bool
		mode, trigger, again = e.next(ownerID, slot)
		if !again {
			return total, nil
		}
		total.Skipped = false
		logger.Debug("[Engine.run] running coalesced %s pass for %s", mode, ownerID)
	}
}

func (e *Engine) acquire(ctx context.Context, ownerID uuid.UUID, mode domain.SyncMode, trigger uint64) (*ownerSlot, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if slot, ok := e.slots[ownerID]; ok && slot.running {
		if slot.stopped.Load() {
			return nil, nil, false
		}
		slot.resync = true
		if mode == domain.SyncModeFull {
			slot.resyncMode = domain.SyncModeFull
		}
		if trigger > slot.resyncCursor {
			slot.resyncCursor = trigger
		}
		return nil, nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	slot := &ownerSlot{running: true, cancel: cancel}
	e.slots[ownerID] = slot
	return slot, runCtx, true
}

// next hands the slot to a coalesced follow-up pass or releases it.
func (e *Engine) next(ownerID uuid.UUID, slot *ownerSlot) (domain.SyncMode, uint64, bool) {
	e.mu.Lock()
	if slot.resync && !slot.stopped.Load() {
		mode := slot.resyncMode
		if mode == "" {
			mode = domain.SyncModeIncremental
		}
		trigger := slot.resyncCursor
		slot.resync, slot.resyncMode, slot.resyncCursor = false, "", 0
		e.mu.Unlock()
		return mode, trigger, true
	}
	e.mu.Unlock()
	e.release(ownerID, slot)
	return "", 0, false
}

// release frees the slot and reports whether a coalesced pass was pending.
func (e *Engine) release(ownerID uuid.UUID, slot *ownerSlot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := slot.resync && !slot.stopped.Load()
	slot.running = false
	slot.resync = false
	slot.cancel()
	if e.slots[ownerID] == slot {
		delete(e.slots, ownerID)
	}
	return pending
}

// =============================================================================
// One sync pass
// =============================================================================

func (e *Engine) syncOnce(ctx context.Context, ownerID uuid.UUID, mode domain.SyncMode, trigger uint64, slot *ownerSlot) (*domain.SyncResult, error) {
	start := time.Now()

	// 1. 계정 확인
	account, err := e.accounts.Get(ctx, ownerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, e.finish(ctx, ownerID, nil, mode, nil, domain.NewSyncError(domain.ErrClassFatal, "sync.start", err), start)
	}
	if err != nil {
		return nil, e.finish(ctx, ownerID, nil, mode, nil, fmt.Errorf("load account: %w", err), start)
	}
	if !account.Connected {
		return nil, e.finish(ctx, ownerID, account, mode, nil,
			domain.NewSyncError(domain.ErrClassAuthExpired, "sync.start", domain.ErrNotConnected), start)
	}
	if e.syncStopped(ctx, ownerID) {
		return nil, domain.NewSyncError(domain.ErrClassFatal, "sync.start", domain.ErrSyncStopped)
	}
	if mode == domain.SyncModeIncremental && !account.HasCursor() {
		mode = domain.SyncModeFull
	}

	// 2. 이미 반영된 트리거는 건너뜀
	if mode == domain.SyncModeIncremental && trigger > 0 && trigger <= account.HistoryCursor {
		return &domain.SyncResult{Mode: mode, Skipped: true, Cursor: account.HistoryCursor}, nil
	}

	e.markSyncing(ctx, ownerID, account, mode)

	// 3. 동기화
	var res *domain.SyncResult
	if mode == domain.SyncModeFull {
		res, err = e.fullSync(ctx, account, slot)
	} else {
		res, err = e.incrementalSync(ctx, account, slot)
		if err != nil && out.IsSyncRequired(err) {
			logger.Info("[Engine.IncrementalSync] cursor %d expired for %s, falling back to full sync", account.HistoryCursor, ownerID)
			mode = domain.SyncModeFull
			var full *domain.SyncResult
			full, err = e.fullSync(ctx, account, slot)
			if full != nil {
				full.Synced += res.Synced
				full.Failed += res.Failed
				full.Pages += res.Pages
			}
			res = full
		}
	}
	if res != nil {
		res.Mode = mode
	}
	return res, e.finish(ctx, ownerID, account, mode, res, err, start)
}

func (e *Engine) fullSync(ctx context.Context, account *domain.Account, slot *ownerSlot) (*domain.SyncResult, error) {
	ownerID := account.OwnerID
	res := &domain.SyncResult{Mode: domain.SyncModeFull}

	token, err := e.tokens.GetValidToken(ctx, ownerID)
	if err != nil {
		return res, err
	}

	// Changes made while paging are picked up by the next incremental sync
	// starting from this cursor.
	cursor, err := resilience.DoValue(ctx, e.retry, "sync.current_cursor", func(ctx context.Context) (uint64, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return e.provider.CurrentCursor(callCtx, token)
	})
	if err != nil {
		return res, err
	}

	pageToken := ""
	for page := 1; ; page++ {
		if page > 1 {
			if err := e.checkpoint(ctx, ownerID, slot); err != nil {
				return res, err
			}
			if token, err = e.tokens.GetValidToken(ctx, ownerID); err != nil {
				return res, err
			}
		}

		listPage, err := resilience.DoValue(ctx, e.retry, "sync.list_messages", func(ctx context.Context) (*out.MessagePage, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			return e.provider.ListMessages(callCtx, token, pageToken, e.cfg.PageSize)
		})
		if err != nil {
			return res, err
		}

		stored := make([]*domain.Message, 0, len(listPage.Messages))
		failed := listPage.Failed
		for _, pm := range listPage.Messages {
			msg, err := e.storeMessage(ctx, ownerID, pm)
			if err != nil {
				if domain.ClassOf(err) != domain.ErrClassDataIntegrity {
					return res, err
				}
				failed++
				continue
			}
			stored = append(stored, msg)
		}
		e.classify(ctx, ownerID, stored)

		res.Synced += len(stored)
		res.Failed += failed
		res.Pages++
		e.publish(ctx, ownerID, domain.EventEmailSynced, domain.EmailSyncedData{
			Mode:   domain.SyncModeFull,
			Page:   page,
			Count:  len(stored),
			Failed: failed,
		})

		if listPage.NextPageToken == "" {
			break
		}
		pageToken = listPage.NextPageToken
	}

	if err := e.advance(ctx, ownerID, cursor); err != nil {
		return res, err
	}
	res.Cursor = maxCursor(cursor, account.HistoryCursor)
	return res, nil
}

func (e *Engine) incrementalSync(ctx context.Context, account *domain.Account, slot *ownerSlot) (*domain.SyncResult, error) {
	ownerID := account.OwnerID
	res := &domain.SyncResult{Mode: domain.SyncModeIncremental, Cursor: account.HistoryCursor}
	startCursor := account.HistoryCursor

	var token *oauth2.Token
	pageToken := ""
	for page := 1; ; page++ {
		if page > 1 {
			if err := e.checkpoint(ctx, ownerID, slot); err != nil {
				return res, err
			}
		}
		var err error
		if token, err = e.tokens.GetValidToken(ctx, ownerID); err != nil {
			return res, err
		}

		historyPage, err := resilience.DoValue(ctx, e.retry, "sync.list_history", func(ctx context.Context) (*out.HistoryPage, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			return e.provider.ListHistory(callCtx, token, startCursor, pageToken, e.cfg.PageSize)
		})
		if err != nil {
			return res, err
		}

		synced, failed, err := e.applyChanges(ctx, ownerID, historyPage.Changes)
		if err != nil {
			return res, err
		}
		res.Synced += synced
		res.Failed += failed
		res.Pages++

		// 페이지 전체가 반영된 후에만 커서 전진
		pageCursor := historyPage.LastHistoryID
		if historyPage.NextPageToken == "" {
			pageCursor = maxCursor(pageCursor, historyPage.HistoryID)
		}
		if pageCursor > 0 {
			if err := e.advance(ctx, ownerID, pageCursor); err != nil {
				return res, err
			}
			res.Cursor = maxCursor(res.Cursor, pageCursor)
		}

		if len(historyPage.Changes) > 0 {
			e.publish(ctx, ownerID, domain.EventEmailSynced, domain.EmailSyncedData{
				Mode:   domain.SyncModeIncremental,
				Page:   page,
				Count:  synced,
				Failed: failed,
				Cursor: res.Cursor,
			})
		}

		if historyPage.NextPageToken == "" {
			break
		}
		pageToken = historyPage.NextPageToken
	}
	return res, nil
}

// applyChanges applies one history page in provider order. A delete of an
// unknown message is a successful no-op.
func (e *Engine) applyChanges(ctx context.Context, ownerID uuid.UUID, changes []*out.MessageChange) (synced, failed int, err error) {
	stored := make([]*domain.Message, 0, len(changes))

	for _, ch := range changes {
		switch ch.Kind {
		case out.ChangeDelete:
			writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
			found, delErr := e.messages.MarkDeleted(writeCtx, ownerID, ch.ProviderID, ch.HistoryID)
			cancel()
			if delErr != nil {
				if domain.ClassOf(delErr) != domain.ErrClassDataIntegrity {
					return synced, failed, fmt.Errorf("mark deleted: %w", delErr)
				}
				failed++
				continue
			}
			if !found {
				logger.Debug("[Engine.applyChanges] delete of unknown message %s ignored", ch.ProviderID)
				continue
			}
			synced++

		case out.ChangeUpsert:
			if ch.Message == nil {
				// the provider rejected this message as malformed
				failed++
				continue
			}
			msg, upErr := e.storeMessage(ctx, ownerID, ch.Message)
			if upErr != nil {
				if domain.ClassOf(upErr) != domain.ErrClassDataIntegrity {
					return synced, failed, upErr
				}
				failed++
				continue
			}
			stored = append(stored, msg)
			synced++

		default:
			failed++
		}
	}

	e.classify(ctx, ownerID, stored)
	return synced, failed, nil
}

func (e *Engine) storeMessage(ctx context.Context, ownerID uuid.UUID, pm *out.ProviderMessage) (*domain.Message, error) {
	msg := toMessage(ownerID, pm)
	if err := msg.Validate(); err != nil {
		logger.Warn("[Engine.storeMessage] skipping malformed message for %s: %v", ownerID, err)
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	if err := e.messages.Upsert(writeCtx, msg); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", msg.ProviderMessageID, err)
	}
	return msg, nil
}

// classify runs phase 1 inline and queues phase 2. It never fails the sync.
func (e *Engine) classify(ctx context.Context, ownerID uuid.UUID, msgs []*domain.Message) {
	if e.classifier == nil || len(msgs) == 0 {
		return
	}
	if _, err := e.classifier.Classify(ctx, msgs); err != nil {
		logger.Warn("[Engine.classify] phase-1 classification failed for %s: %v", ownerID, err)
	}

	pending := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if !m.HasFinalClassification() && !m.IsDeleted {
			pending = append(pending, m.ID)
		}
	}
	if len(pending) > 0 {
		e.classifier.EnqueuePhase2(ownerID, pending)
	}
}

func (e *Engine) advance(ctx context.Context, ownerID uuid.UUID, cursor uint64) error {
	writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	changed, err := e.accounts.AdvanceCursor(writeCtx, ownerID, cursor, e.now())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if changed {
		metrics.IncCursorAdvance()
	}
	return nil
}

// checkpoint runs at every page boundary: a stop request, a disconnected
// account or a cancelled context ends the sync here.
func (e *Engine) checkpoint(ctx context.Context, ownerID uuid.UUID, slot *ownerSlot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slot != nil && slot.stopped.Load() {
		return domain.ErrSyncStopped
	}
	connected, err := e.tokens.IsConnected(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if !connected {
		return domain.NewSyncError(domain.ErrClassAuthExpired, "sync.checkpoint", domain.ErrNotConnected)
	}
	return nil
}

// =============================================================================
// Status
// =============================================================================

// syncStopped reads the sync state; a lookup failure counts as running.
func (e *Engine) syncStopped(ctx context.Context, ownerID uuid.UUID) bool {
	status, err := e.statuses.GetStatus(ctx, ownerID)
	if err != nil {
		logger.Warn("[Engine.syncStopped] failed to load status for %s: %v", ownerID, err)
		return false
	}
	return status.State == domain.SyncStateStopped
}

func (e *Engine) markSyncing(ctx context.Context, ownerID uuid.UUID, account *domain.Account, mode domain.SyncMode) {
	status, err := e.statuses.GetStatus(ctx, ownerID)
	if err != nil {
		logger.Warn("[Engine.markSyncing] failed to load status for %s: %v", ownerID, err)
		return
	}
	status.State = domain.SyncStateSyncing
	status.Mode = mode
	status.WatchActive = account.WatchActive
	status.HistoryCursor = account.HistoryCursor
	status.UpdatedAt = e.now()
	if err := e.statuses.SaveStatus(ctx, status); err != nil {
		logger.Warn("[Engine.markSyncing] failed to save status for %s: %v", ownerID, err)
	}
	e.publish(ctx, ownerID, domain.EventSyncStarted, domain.SyncLifecycleData{Mode: mode})
}

// finish records the outcome and returns err unchanged.
func (e *Engine) finish(ctx context.Context, ownerID uuid.UUID, account *domain.Account, mode domain.SyncMode, res *domain.SyncResult, err error, start time.Time) error {
	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
	defer cancel()

	status, loadErr := e.statuses.GetStatus(ctx, ownerID)
	if loadErr != nil {
		logger.Error("[Engine.finish] failed to load status for %s: %v", ownerID, loadErr)
		status = domain.NewSyncStatus(ownerID)
	}
	// StopSync saved while this pass was running
	stoppedMeanwhile := status.State == domain.SyncStateStopped
	now := e.now()
	status.Mode = mode
	status.UpdatedAt = now
	if account != nil {
		status.WatchActive = account.WatchActive
	}
	if res != nil && res.Cursor > status.HistoryCursor {
		status.HistoryCursor = res.Cursor
	}

	var synced, failed int
	if res != nil {
		synced, failed = res.Synced, res.Failed
	}
	metrics.AddMessages(synced, failed)

	switch {
	case stoppedMeanwhile || errors.Is(err, domain.ErrSyncStopped):
		status.State = domain.SyncStateStopped
		status.NextRetryAt = time.Time{}
		metrics.ObserveSync(string(mode), "stopped", time.Since(start))
		logger.Info("[Engine.%sSync] owner %s stopped after %d messages", mode, ownerID, synced)

	case err == nil:
		status.RecordSuccess(synced, now)
		metrics.ObserveSync(string(mode), "ok", time.Since(start))
		e.publish(ctx, ownerID, domain.EventSyncCompleted, domain.SyncLifecycleData{
			Mode: mode, Synced: synced, Failed: failed, Cursor: status.HistoryCursor,
		})
		logger.Info("[Engine.%sSync] owner %s synced=%d failed=%d cursor=%d in %v",
			mode, ownerID, synced, failed, status.HistoryCursor, time.Since(start))

	default:
		class := domain.ClassOf(err)
		if errors.Is(err, context.Canceled) {
			// interrupted (shutdown); resume through the retry scheduler
			class = domain.ErrClassTransient
		}
		status.RecordError(class, err.Error(), now)
		status.ScheduleRetry(now)
		metrics.ObserveSync(string(mode), string(class), time.Since(start))

		data := domain.SyncFailedData{Mode: mode, ErrorClass: class, Message: err.Error()}
		if !status.NextRetryAt.IsZero() {
			next := status.NextRetryAt
			data.NextRetryAt = &next
		}
		e.publish(ctx, ownerID, domain.EventSyncFailed, data)
		logger.Warn("[Engine.%sSync] owner %s failed (%s) after %d messages: %v", mode, ownerID, class, synced, err)
	}

	if saveErr := e.statuses.SaveStatus(ctx, status); saveErr != nil {
		logger.Error("[Engine.finish] failed to save status for %s: %v", ownerID, saveErr)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, ownerID uuid.UUID, t domain.EventType, data interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, domain.NewEvent(ownerID, t, data))
}

func toMessage(ownerID uuid.UUID, pm *out.ProviderMessage) *domain.Message {
	msg := &domain.Message{
		OwnerID:           ownerID,
		ProviderMessageID: pm.ProviderID,
		ThreadID:          pm.ThreadID,
		Subject:           pm.Subject,
		Snippet:           pm.Snippet,
		FromEmail:         pm.FromEmail,
		FromName:          pm.FromName,
		Headers:           pm.Headers,
		HistoryID:         pm.HistoryID,
		Date:              pm.Date,
	}
	msg.ApplyLabels(pm.Labels)
	return msg
}

func maxCursor(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
