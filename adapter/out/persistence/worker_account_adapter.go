// Package persistence provides the Postgres repositories of the sync pipeline.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"
)

// AccountAdapter implements out.AccountRepository. Tokens are encrypted at
// rest when a cipher is configured.
type AccountAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

// NewAccountAdapter creates the adapter. A nil cipher stores tokens as-is.
func NewAccountAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *AccountAdapter {
	if cipher == nil {
		logger.Warn("[AccountAdapter] token encryption disabled")
	}
	return &AccountAdapter{db: db, cipher: cipher}
}

// =============================================================================
// Row Mapping
// =============================================================================

const accountSelect = `
	SELECT a.owner_id, a.provider, a.email, a.connected, a.access_token, a.refresh_token,
	       a.token_expiry, a.history_cursor, a.last_synced_at, a.created_at, a.updated_at,
	       w.expiry AS watch_expiry, COALESCE(w.active, FALSE) AS watch_active
	FROM mail_accounts a
	LEFT JOIN watch_subscriptions w ON w.owner_id = a.owner_id`

type accountRow struct {
	OwnerID       uuid.UUID      `db:"owner_id"`
	Provider      string         `db:"provider"`
	Email         string         `db:"email"`
	Connected     bool           `db:"connected"`
	AccessToken   sql.NullString `db:"access_token"`
	RefreshToken  sql.NullString `db:"refresh_token"`
	TokenExpiry   sql.NullTime   `db:"token_expiry"`
	HistoryCursor int64          `db:"history_cursor"`
	LastSyncedAt  sql.NullTime   `db:"last_synced_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`

	// watch_subscriptions join
	WatchExpiry sql.NullTime `db:"watch_expiry"`
	WatchActive bool         `db:"watch_active"`
}

func (a *AccountAdapter) toDomain(r *accountRow) (*domain.Account, error) {
	access, err := a.decrypt(r.AccessToken.String)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := a.decrypt(r.RefreshToken.String)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &domain.Account{
		OwnerID:       r.OwnerID,
		Provider:      domain.Provider(r.Provider),
		Email:         r.Email,
		Connected:     r.Connected,
		AccessToken:   access,
		RefreshToken:  refresh,
		TokenExpiry:   r.TokenExpiry.Time,
		HistoryCursor: uint64(r.HistoryCursor),
		LastSyncedAt:  r.LastSyncedAt.Time,
		WatchExpiry:   r.WatchExpiry.Time,
		WatchActive:   r.WatchActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (a *AccountAdapter) encrypt(token string) (string, error) {
	if a.cipher == nil || token == "" {
		return token, nil
	}
	return a.cipher.Encrypt(token)
}

// decrypt passes through values written before encryption was enabled.
func (a *AccountAdapter) decrypt(token string) (string, error) {
	if token == "" || !crypto.IsEncrypted(token) {
		return token, nil
	}
	if a.cipher == nil {
		return "", errors.New("encrypted token but no cipher configured")
	}
	return a.cipher.Decrypt(token)
}

// =============================================================================
// Queries
// =============================================================================

func (a *AccountAdapter) Get(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	return a.getOne(ctx, accountSelect+` WHERE a.owner_id = $1`, ownerID)
}

func (a *AccountAdapter) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return a.getOne(ctx, accountSelect+` WHERE LOWER(a.email) = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (a *AccountAdapter) getOne(ctx context.Context, query string, arg any) (*domain.Account, error) {
	var row accountRow
	if err := a.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return a.toDomain(&row)
}

func (a *AccountAdapter) ListConnected(ctx context.Context) ([]*domain.Account, error) {
	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, accountSelect+` WHERE a.connected ORDER BY a.created_at`); err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		acc, err := a.toDomain(&rows[i])
		if err != nil {
			logger.WithOwner(rows[i].OwnerID).WithError(err).Warn("[AccountAdapter.ListConnected] skipping unreadable account")
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// =============================================================================
// Mutations
// =============================================================================

// Save upserts the account row. The history cursor is never moved backwards.
func (a *AccountAdapter) Save(ctx context.Context, account *domain.Account) error {
	access, err := a.encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	if account.Provider == "" {
		account.Provider = domain.ProviderGmail
	}

	query := `
		INSERT INTO mail_accounts (
			owner_id, provider, email, connected, access_token, refresh_token,
			token_expiry, history_cursor, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			email = EXCLUDED.email,
			connected = EXCLUDED.connected,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			history_cursor = GREATEST(mail_accounts.history_cursor, EXCLUDED.history_cursor),
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, mail_accounts.last_synced_at),
			updated_at = NOW()
		RETURNING created_at, updated_at`

	return a.db.QueryRowxContext(ctx, query,
		account.OwnerID, string(account.Provider), account.Email, account.Connected,
		nullString(access), nullString(refresh), nullTime(account.TokenExpiry),
		int64(account.HistoryCursor), nullTime(account.LastSyncedAt),
	).Scan(&account.CreatedAt, &account.UpdatedAt)
}

func (a *AccountAdapter) UpdateTokens(ctx context.Context, ownerID uuid.UUID, accessToken, refreshToken string, expiry time.Time) error {
	access, err := a.encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	// an empty refresh token keeps the stored one (Google omits it on refresh)
	query := `
		UPDATE mail_accounts SET
			access_token = $2,
			refresh_token = COALESCE($3, refresh_token),
			token_expiry = $4,
			updated_at = NOW()
		WHERE owner_id = $1`
	return a.execOne(ctx, query, ownerID, nullString(access), nullString(refresh), nullTime(expiry))
}

func (a *AccountAdapter) SetConnected(ctx context.Context, ownerID uuid.UUID, connected bool) error {
	return a.execOne(ctx, `UPDATE mail_accounts SET connected = $2, updated_at = NOW() WHERE owner_id = $1`, ownerID, connected)
}

// ClearCredentials nulls tokens, disconnects and removes the watch row in
// one transaction.
func (a *AccountAdapter) ClearCredentials(ctx context.Context, ownerID uuid.UUID) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE mail_accounts SET
			connected = FALSE, access_token = NULL, refresh_token = NULL,
			token_expiry = NULL, updated_at = NOW()
		WHERE owner_id = $1`, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM watch_subscriptions WHERE owner_id = $1`, ownerID); err != nil {
		return err
	}
	return tx.Commit()
}

// AdvanceCursor is a compare-and-set: it only moves the cursor forward.
func (a *AccountAdapter) AdvanceCursor(ctx context.Context, ownerID uuid.UUID, cursor uint64, syncedAt time.Time) (bool, error) {
	res, err := a.db.ExecContext(ctx, `
		UPDATE mail_accounts SET
			history_cursor = $2, last_synced_at = $3, updated_at = NOW()
		WHERE owner_id = $1 AND history_cursor < $2`,
		ownerID, int64(cursor), syncedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// stamp the sync time even when the cursor did not move
		if _, err := a.db.ExecContext(ctx, `UPDATE mail_accounts SET last_synced_at = $2 WHERE owner_id = $1`, ownerID, syncedAt); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (a *AccountAdapter) execOne(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
