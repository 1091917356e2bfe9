package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// WatchAdapter implements out.WatchRepository.
type WatchAdapter struct {
	db *sqlx.DB
}

func NewWatchAdapter(db *sqlx.DB) *WatchAdapter {
	return &WatchAdapter{db: db}
}

type watchRow struct {
	OwnerID     uuid.UUID      `db:"owner_id"`
	Topic       string         `db:"topic"`
	Expiry      sql.NullTime   `db:"expiry"`
	Active      bool           `db:"active"`
	HistoryID   int64          `db:"history_id"`
	RetryCount  int            `db:"retry_count"`
	NextRetryAt sql.NullTime   `db:"next_retry_at"`
	LastError   sql.NullString `db:"last_error"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *watchRow) toDomain() *domain.WatchSubscription {
	return &domain.WatchSubscription{
		OwnerID:     r.OwnerID,
		Topic:       r.Topic,
		Expiry:      r.Expiry.Time,
		Active:      r.Active,
		HistoryID:   uint64(r.HistoryID),
		RetryCount:  r.RetryCount,
		NextRetryAt: r.NextRetryAt.Time,
		LastError:   r.LastError.String,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (a *WatchAdapter) GetWatch(ctx context.Context, ownerID uuid.UUID) (*domain.WatchSubscription, error) {
	var row watchRow
	err := a.db.GetContext(ctx, &row, `
		SELECT owner_id, topic, expiry, active, history_id, retry_count, next_retry_at, last_error, updated_at
		FROM watch_subscriptions WHERE owner_id = $1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	return row.toDomain(), nil
}

func (a *WatchAdapter) SaveWatch(ctx context.Context, w *domain.WatchSubscription) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO watch_subscriptions (
			owner_id, topic, expiry, active, history_id, retry_count, next_retry_at, last_error, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			expiry = EXCLUDED.expiry,
			active = EXCLUDED.active,
			history_id = EXCLUDED.history_id,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`,
		w.OwnerID, w.Topic, nullTime(w.Expiry), w.Active, int64(w.HistoryID),
		w.RetryCount, nullTime(w.NextRetryAt), nullString(w.LastError))
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

func (a *WatchAdapter) DeleteWatch(ctx context.Context, ownerID uuid.UUID) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM watch_subscriptions WHERE owner_id = $1`, ownerID)
	return err
}

// ListRenewalCandidates orders by the earliest deadline so a bounded scan
// reaches the most urgent owners first.
func (a *WatchAdapter) ListRenewalCandidates(ctx context.Context, renewBefore, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := a.db.SelectContext(ctx, &ids, `
		SELECT a.owner_id
		FROM mail_accounts a
		LEFT JOIN watch_subscriptions w ON w.owner_id = a.owner_id
		LEFT JOIN sync_states s ON s.owner_id = a.owner_id
		WHERE a.connected
		  AND (s.state IS NULL OR s.state <> 'stopped')
		  AND (
			w.owner_id IS NULL
			OR (w.active AND w.expiry < $1)
			OR (NOT w.active AND (w.next_retry_at IS NULL OR w.next_retry_at <= $2))
		  )
		ORDER BY COALESCE(LEAST(w.expiry, w.next_retry_at), 'epoch'::timestamptz)
		LIMIT $3`,
		renewBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list renewal candidates: %w", err)
	}
	return ids, nil
}

var _ out.WatchRepository = (*WatchAdapter)(nil)
