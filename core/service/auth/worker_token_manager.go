// Package auth owns mailbox credentials: storage, refresh and expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

// DefaultRefreshMargin is how close to expiry a token is refreshed eagerly.
const DefaultRefreshMargin = 60 * time.Second

// TokenManager hands out valid access tokens. Refresh is single-flighted
// per owner so concurrent callers share one provider round trip.
type TokenManager struct {
	accounts  out.AccountRepository
	statuses  out.SyncStateRepository
	refresher out.TokenRefresher
	events    out.EventPublisher

	margin time.Duration
	now    func() time.Time
	group  singleflight.Group
}

func NewTokenManager(
	accounts out.AccountRepository,
	statuses out.SyncStateRepository,
	refresher out.TokenRefresher,
	events out.EventPublisher,
	margin time.Duration,
) *TokenManager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &TokenManager{
		accounts:  accounts,
		statuses:  statuses,
		refresher: refresher,
		events:    events,
		margin:    margin,
		now:       time.Now,
	}
}

// SetClock replaces the time source (tests).
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// GetValidToken returns a token valid for at least the refresh margin.
// Disconnected accounts fail with an AuthExpired error.
func (m *TokenManager) GetValidToken(ctx context.Context, ownerID uuid.UUID) (*oauth2.Token, error) {
	account, err := m.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !account.Connected {
		return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "token.get", domain.ErrNotConnected)
	}
	if account.TokenExpiresWithin(m.now(), m.margin) {
		return m.Refresh(ctx, ownerID)
	}
	return tokenOf(account), nil
}

// Refresh exchanges the stored refresh token. A revoked grant disconnects
// the account and returns an AuthExpired error wrapping ErrRefreshFailed.
func (m *TokenManager) Refresh(ctx context.Context, ownerID uuid.UUID) (*oauth2.Token, error) {
	v, err, shared := m.group.Do(ownerID.String(), func() (interface{}, error) {
		return m.refresh(ctx, ownerID)
	})
	if shared {
		logger.Debug("[TokenManager.Refresh] joined in-flight refresh for %s", ownerID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *TokenManager) refresh(ctx context.Context, ownerID uuid.UUID) (*oauth2.Token, error) {
	account, err := m.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !account.Connected {
		return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "token.refresh", domain.ErrNotConnected)
	}
	if account.RefreshToken == "" {
		m.markExpired(ctx, ownerID, "missing refresh token")
		return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "token.refresh",
			fmt.Errorf("%w: no refresh token stored", domain.ErrRefreshFailed))
	}

	fresh, err := m.refresher.RefreshToken(ctx, tokenOf(account))
	if err != nil {
		class := domain.ClassOf(err)
		if class == domain.ErrClassAuthExpired {
			logger.Warn("[TokenManager.Refresh] refresh rejected for %s, disconnecting: %v", ownerID, err)
			m.markExpired(ctx, ownerID, err.Error())
			return nil, domain.NewSyncError(domain.ErrClassAuthExpired, "token.refresh",
				fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err))
		}
		return nil, &domain.SyncError{
			Class:      class,
			Op:         "token.refresh",
			RetryAfter: domain.RetryAfterOf(err),
			Err:        err,
		}
	}

	// Google only rotates the refresh token occasionally.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = account.RefreshToken
	}
	if err := m.accounts.UpdateTokens(ctx, ownerID, fresh.AccessToken, fresh.RefreshToken, fresh.Expiry); err != nil {
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}

	logger.Debug("[TokenManager.Refresh] token refreshed for %s (expires %s)", ownerID, fresh.Expiry.Format(time.RFC3339))
	return fresh, nil
}

// markExpired flips the account to disconnected and records an AuthExpired
// sync status. Failures here are logged only.
func (m *TokenManager) markExpired(ctx context.Context, ownerID uuid.UUID, reason string) {
	if err := m.accounts.SetConnected(ctx, ownerID, false); err != nil {
		logger.Error("[TokenManager.markExpired] failed to mark %s disconnected: %v", ownerID, err)
	}

	if m.statuses != nil {
		status, err := m.statuses.GetStatus(ctx, ownerID)
		if err != nil {
			logger.Error("[TokenManager.markExpired] failed to load status for %s: %v", ownerID, err)
		} else {
			now := m.now()
			status.RecordError(domain.ErrClassAuthExpired, reason, now)
			status.ScheduleRetry(now)
			status.WatchActive = false
			status.UpdatedAt = now
			if err := m.statuses.SaveStatus(ctx, status); err != nil {
				logger.Error("[TokenManager.markExpired] failed to save status for %s: %v", ownerID, err)
			}
		}
	}

	if m.events != nil {
		m.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventAccountDisconnected,
			domain.AccountDisconnectedData{Reason: "token_revoked"}))
	}
}

// Clear nulls the stored credentials and disconnects the account.
func (m *TokenManager) Clear(ctx context.Context, ownerID uuid.UUID) error {
	if err := m.accounts.ClearCredentials(ctx, ownerID); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	m.group.Forget(ownerID.String())
	if m.events != nil {
		m.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventAccountDisconnected,
			domain.AccountDisconnectedData{Reason: "user_disconnect"}))
	}
	return nil
}

// IsConnected is checked by the sync engine at every page boundary.
func (m *TokenManager) IsConnected(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	account, err := m.accounts.Get(ctx, ownerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.Connected, nil
}

// Connect stores freshly granted credentials. Reconnecting the same mailbox
// keeps the history cursor; a different mailbox starts over.
func (m *TokenManager) Connect(ctx context.Context, ownerID uuid.UUID, email string, token *oauth2.Token) (*domain.Account, error) {
	if token == nil || token.AccessToken == "" {
		return nil, domain.NewSyncError(domain.ErrClassDataIntegrity, "token.connect", errors.New("empty token"))
	}

	now := m.now()
	account, err := m.accounts.Get(ctx, ownerID)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		account = &domain.Account{OwnerID: ownerID, Provider: domain.ProviderGmail, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("load account: %w", err)
	}

	if account.Email != "" && account.Email != email {
		logger.Info("[TokenManager.Connect] mailbox changed for %s, resetting cursor", ownerID)
		account.HistoryCursor = 0
		account.LastSyncedAt = time.Time{}
		account.WatchActive = false
		account.WatchExpiry = time.Time{}
	}

	account.Email = email
	account.Connected = true
	account.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		account.RefreshToken = token.RefreshToken
	}
	account.TokenExpiry = token.Expiry
	account.UpdatedAt = now

	if err := m.accounts.Save(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	m.group.Forget(ownerID.String())
	return account, nil
}

func (m *TokenManager) load(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	account, err := m.accounts.Get(ctx, ownerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, domain.NewSyncError(domain.ErrClassFatal, "token.load", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

func tokenOf(a *domain.Account) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		Expiry:       a.TokenExpiry,
		TokenType:    "Bearer",
	}
}
