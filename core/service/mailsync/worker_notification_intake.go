package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
)

const defaultIdempotencyTTL = 5 * time.Minute

// IntakeOutcome says what happened to one push notification.
type IntakeOutcome string

const (
	IntakeQueued       IntakeOutcome = "queued"
	IntakeDuplicate    IntakeOutcome = "duplicate"
	IntakeStale        IntakeOutcome = "stale"
	IntakeUnknownOwner IntakeOutcome = "unknown_owner"
	IntakeDisconnected IntakeOutcome = "disconnected"
	IntakeStopped      IntakeOutcome = "stopped"
	IntakeMalformed    IntakeOutcome = "malformed"
)

// Notification is a decoded provider push message.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// NotificationIntake turns provider push notifications (webhook or pull
// subscription) into incremental sync triggers.
type NotificationIntake struct {
	accounts out.AccountRepository
	statuses out.SyncStateRepository
	dedup    out.Deduplicator
	queue    out.SyncQueue
	ttl      time.Duration
}

func NewNotificationIntake(accounts out.AccountRepository, statuses out.SyncStateRepository, dedup out.Deduplicator, queue out.SyncQueue, ttl time.Duration) *NotificationIntake {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &NotificationIntake{
		accounts: accounts,
		statuses: statuses,
		dedup:    dedup,
		queue:    queue,
		ttl:      ttl,
	}
}

// Accept queues a sync for the notified mailbox. Only enqueue failures are
// returned as errors; everything else is an outcome the caller acknowledges.
func (n *NotificationIntake) Accept(ctx context.Context, note Notification, source string) (IntakeOutcome, error) {
	outcome, err := n.accept(ctx, note, source)
	if err != nil {
		metrics.IncWebhook("error")
		return outcome, err
	}
	metrics.IncWebhook(string(outcome))
	return outcome, nil
}

func (n *NotificationIntake) accept(ctx context.Context, note Notification, source string) (IntakeOutcome, error) {
	email := strings.ToLower(strings.TrimSpace(note.EmailAddress))
	if email == "" || note.HistoryID == 0 {
		return IntakeMalformed, nil
	}

	account, err := n.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			logger.Debug("[NotificationIntake.Accept] no account for %s", email)
			return IntakeUnknownOwner, nil
		}
		return "", fmt.Errorf("lookup account: %w", err)
	}
	if !account.Connected {
		return IntakeDisconnected, nil
	}
	if n.statuses != nil {
		status, err := n.statuses.GetStatus(ctx, account.OwnerID)
		if err != nil {
			return "", fmt.Errorf("load status: %w", err)
		}
		if status.State == domain.SyncStateStopped {
			return IntakeStopped, nil
		}
	}
	if account.HistoryCursor >= note.HistoryID {
		return IntakeStale, nil
	}

	key := idempotencyKey(account.OwnerID, note.HistoryID)
	if n.dedup != nil {
		first, err := n.dedup.FirstSeen(ctx, key, n.ttl)
		if err != nil {
			// fail open, the engine drops stale triggers
			logger.Warn("[NotificationIntake.Accept] dedup unavailable: %v", err)
		} else if !first {
			return IntakeDuplicate, nil
		}
	}

	trigger := &domain.SyncTrigger{
		ID:            uuid.NewString(),
		OwnerID:       account.OwnerID,
		Mode:          domain.SyncModeIncremental,
		TriggerCursor: note.HistoryID,
		Source:        source,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := n.queue.EnqueueSync(ctx, trigger); err != nil {
		if n.dedup != nil {
			if ferr := n.dedup.Forget(ctx, key); ferr != nil {
				logger.Warn("[NotificationIntake.Accept] failed to release %s: %v", key, ferr)
			}
		}
		return "", fmt.Errorf("enqueue sync: %w", err)
	}

	logger.WithOwner(account.OwnerID).Debug("[NotificationIntake.Accept] queued history=%d source=%s", note.HistoryID, source)
	return IntakeQueued, nil
}

// DecodeNotification parses the JSON body a Gmail watch publishes.
func DecodeNotification(data []byte) (Notification, error) {
	var note Notification
	if err := json.Unmarshal(data, &note); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return note, nil
}

func idempotencyKey(ownerID uuid.UUID, historyID uint64) string {
	return fmt.Sprintf("webhook:idempotent:%s:%d", ownerID, historyID)
}
