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

// =============================================================================
// SyncStateAdapter - owner 별 동기화 상태
// =============================================================================

type SyncStateAdapter struct {
	db *sqlx.DB
}

func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

// cursor와 watch 상태는 각 소유 테이블에서 읽는다
const syncStateSelect = `
	SELECT
		s.owner_id, s.state, s.mode, s.last_synced_at, s.last_error_class, s.last_error,
		s.last_error_at, s.retry_count, s.next_retry_at, s.last_sync_count, s.total_synced,
		s.updated_at,
		COALESCE(a.history_cursor, 0) AS history_cursor,
		COALESCE(w.active, FALSE) AS watch_active
	FROM sync_states s
	LEFT JOIN mail_accounts a ON a.owner_id = s.owner_id
	LEFT JOIN watch_subscriptions w ON w.owner_id = s.owner_id`

type syncStateRow struct {
	OwnerID        uuid.UUID      `db:"owner_id"`
	State          string         `db:"state"`
	Mode           sql.NullString `db:"mode"`
	LastSyncedAt   sql.NullTime   `db:"last_synced_at"`
	LastErrorClass sql.NullString `db:"last_error_class"`
	LastError      sql.NullString `db:"last_error"`
	LastErrorAt    sql.NullTime   `db:"last_error_at"`
	RetryCount     int            `db:"retry_count"`
	NextRetryAt    sql.NullTime   `db:"next_retry_at"`
	LastSyncCount  int            `db:"last_sync_count"`
	TotalSynced    int64          `db:"total_synced"`
	UpdatedAt      time.Time      `db:"updated_at"`
	HistoryCursor  int64          `db:"history_cursor"`
	WatchActive    bool           `db:"watch_active"`
}

func (r *syncStateRow) toDomain() *domain.SyncStatus {
	return &domain.SyncStatus{
		OwnerID:        r.OwnerID,
		State:          domain.SyncState(r.State),
		Mode:           domain.SyncMode(r.Mode.String),
		LastSyncedAt:   r.LastSyncedAt.Time,
		HistoryCursor:  uint64(r.HistoryCursor),
		WatchActive:    r.WatchActive,
		LastErrorClass: domain.ErrorClass(r.LastErrorClass.String),
		LastError:      r.LastError.String,
		LastErrorAt:    r.LastErrorAt.Time,
		RetryCount:     r.RetryCount,
		NextRetryAt:    r.NextRetryAt.Time,
		LastSyncCount:  r.LastSyncCount,
		TotalSynced:    r.TotalSynced,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (a *SyncStateAdapter) GetStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error) {
	var row syncStateRow
	err := a.db.GetContext(ctx, &row, syncStateSelect+` WHERE s.owner_id = $1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSyncStatus(ownerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return row.toDomain(), nil
}

func (a *SyncStateAdapter) SaveStatus(ctx context.Context, s *domain.SyncStatus) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sync_states (
			owner_id, state, mode, last_synced_at, last_error_class, last_error, last_error_at,
			retry_count, next_retry_at, last_sync_count, total_synced, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			state = EXCLUDED.state,
			mode = EXCLUDED.mode,
			last_synced_at = EXCLUDED.last_synced_at,
			last_error_class = EXCLUDED.last_error_class,
			last_error = EXCLUDED.last_error,
			last_error_at = EXCLUDED.last_error_at,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_sync_count = EXCLUDED.last_sync_count,
			total_synced = EXCLUDED.total_synced,
			updated_at = NOW()`,
		s.OwnerID, string(s.State), nullString(string(s.Mode)), nullTime(s.LastSyncedAt),
		nullString(string(s.LastErrorClass)), nullString(s.LastError), nullTime(s.LastErrorAt),
		s.RetryCount, nullTime(s.NextRetryAt), s.LastSyncCount, s.TotalSynced)
	if err != nil {
		return fmt.Errorf("failed to save sync status: %w", err)
	}
	return nil
}

func (a *SyncStateAdapter) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.SyncStatus, error) {
	var rows []syncStateRow
	err := a.db.SelectContext(ctx, &rows, syncStateSelect+`
		WHERE s.state = 'error' AND s.next_retry_at IS NOT NULL AND s.next_retry_at <= $1
		ORDER BY s.next_retry_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}

	statuses := make([]*domain.SyncStatus, len(rows))
	for i := range rows {
		statuses[i] = rows[i].toDomain()
	}
	return statuses, nil
}

var _ out.SyncStateRepository = (*SyncStateAdapter)(nil)
