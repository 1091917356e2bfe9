package domain

import (
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGmail Provider = "google"
)

// =============================================================================
// Account - 메일박스 연결 (owner 당 1개)
// =============================================================================

// Account is the connected mailbox of one owner. Tokens and cursor are only
// mutated through the token manager and the sync engine.
type Account struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	Provider     Provider  `json:"provider"`
	Email        string    `json:"email"`
	Connected    bool      `json:"connected"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`

	// Gmail historyId; 0 means no full sync has completed yet.
	HistoryCursor uint64    `json:"history_cursor"`
	LastSyncedAt  time.Time `json:"last_synced_at,omitempty"`

	WatchExpiry time.Time `json:"watch_expiry,omitempty"`
	WatchActive bool      `json:"watch_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpiresWithin reports whether the access token is missing or expires
// within margin of now.
func (a *Account) TokenExpiresWithin(now time.Time, margin time.Duration) bool {
	if a.AccessToken == "" || a.TokenExpiry.IsZero() {
		return true
	}
	return a.TokenExpiry.Sub(now) < margin
}

// HasCursor reports whether a full sync has recorded a history cursor.
func (a *Account) HasCursor() bool {
	return a.HistoryCursor > 0
}

// Disconnect nulls credentials and watch state.
func (a *Account) Disconnect() {
	a.Connected = false
	a.AccessToken = ""
	a.RefreshToken = ""
	a.TokenExpiry = time.Time{}
	a.WatchActive = false
	a.WatchExpiry = time.Time{}
}

// =============================================================================
// WatchSubscription - Gmail push subscription
// =============================================================================

type WatchSubscription struct {
	OwnerID     uuid.UUID `json:"owner_id"`
	Topic       string    `json:"topic"`
	Expiry      time.Time `json:"expiry"`
	Active      bool      `json:"active"`
	HistoryID   uint64    `json:"history_id,omitempty"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NeedsRenewal - now > expiry - margin
func (w *WatchSubscription) NeedsRenewal(now time.Time, margin time.Duration) bool {
	if w == nil || !w.Active {
		return true
	}
	return now.After(w.Expiry.Add(-margin))
}

// RetryDue reports whether a failed registration may be attempted again.
func (w *WatchSubscription) RetryDue(now time.Time) bool {
	if w == nil || w.Active {
		return false
	}
	return !w.NextRetryAt.IsZero() && !now.Before(w.NextRetryAt)
}
