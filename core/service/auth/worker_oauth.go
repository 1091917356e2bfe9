package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

// OAuthService runs the mailbox connect/disconnect flow on top of the
// token manager.
type OAuthService struct {
	exchanger out.OAuthExchanger
	tokens    *TokenManager

	onConnected      func(ctx context.Context, ownerID uuid.UUID) error // watch + initial sync
	beforeDisconnect func(ctx context.Context, ownerID uuid.UUID) error // stop sync + deregister watch
}

func NewOAuthService(exchanger out.OAuthExchanger, tokens *TokenManager) *OAuthService {
	return &OAuthService{exchanger: exchanger, tokens: tokens}
}

// SetConnectHook runs after credentials are stored.
func (s *OAuthService) SetConnectHook(fn func(ctx context.Context, ownerID uuid.UUID) error) {
	s.onConnected = fn
}

// SetDisconnectHook runs before credentials are cleared.
func (s *OAuthService) SetDisconnectHook(fn func(ctx context.Context, ownerID uuid.UUID) error) {
	s.beforeDisconnect = fn
}

func (s *OAuthService) AuthURL(state string) (string, error) {
	if s.exchanger == nil {
		return "", fmt.Errorf("google oauth not configured")
	}
	return s.exchanger.AuthCodeURL(state), nil
}

// HandleCallback exchanges the code, resolves the mailbox address and stores
// the account as connected.
func (s *OAuthService) HandleCallback(ctx context.Context, code string, ownerID uuid.UUID) (*domain.Account, error) {
	if s.exchanger == nil {
		return nil, fmt.Errorf("google oauth not configured")
	}
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	token, err := s.exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	email, err := s.exchanger.ProfileEmail(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox address: %w", err)
	}
	logger.Info("[OAuthService.HandleCallback] owner %s connected %s", ownerID, email)

	account, err := s.tokens.Connect(ctx, ownerID, email, token)
	if err != nil {
		return nil, err
	}

	if s.onConnected != nil {
		if err := s.onConnected(ctx, ownerID); err != nil {
			// account stays connected; the watch scheduler and retry loop catch up
			logger.Warn("[OAuthService.HandleCallback] post-connect setup failed for %s: %v", ownerID, err)
		}
	}
	return account, nil
}

// Disconnect stops sync activity and nulls the stored credentials.
func (s *OAuthService) Disconnect(ctx context.Context, ownerID uuid.UUID) error {
	if s.beforeDisconnect != nil {
		if err := s.beforeDisconnect(ctx, ownerID); err != nil {
			logger.Warn("[OAuthService.Disconnect] teardown failed for %s: %v", ownerID, err)
		}
	}
	return s.tokens.Clear(ctx, ownerID)
}
