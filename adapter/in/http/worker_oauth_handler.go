package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/adapter/out/persistence"
	"mailsync_server/core/domain"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// OAuthStateStore OAuth state 저장/검증 인터페이스 (CSRF 보호)
type OAuthStateStore interface {
	StoreState(ctx context.Context, state string, ownerID uuid.UUID, ttl time.Duration) error
	// ConsumeState 검증 후 삭제 (one-shot)
	ConsumeState(ctx context.Context, state string) (uuid.UUID, error)
}

// OAuthFlow is the account connection flow (auth.OAuthService).
type OAuthFlow interface {
	AuthURL(state string) (string, error)
	HandleCallback(ctx context.Context, code string, ownerID uuid.UUID) (*domain.Account, error)
	Disconnect(ctx context.Context, ownerID uuid.UUID) error
}

// OAuthStateTTL state 유효 시간 (10분)
const OAuthStateTTL = 10 * time.Minute

type OAuthHandler struct {
	flow   OAuthFlow
	states OAuthStateStore
}

func NewOAuthHandler(flow OAuthFlow, states OAuthStateStore) *OAuthHandler {
	return &OAuthHandler{flow: flow, states: states}
}

// Register mounts the callback on public and the owner routes on protected
// (which must run middleware.JWTAuth).
func (h *OAuthHandler) Register(public, protected fiber.Router) {
	public.Get("/oauth/google/callback", h.Callback)

	own := middleware.RequireOwnerParam("owner")
	protected.Get("/oauth/:owner/connect", own, h.Connect)
	protected.Delete("/oauth/:owner", own, h.Disconnect)
}

// generateSecureState 암호학적으로 안전한 state 생성
func generateSecureState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure state: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}

	state, err := generateSecureState()
	if err != nil {
		return apperr.InternalWithError(err)
	}
	if err := h.states.StoreState(c.Context(), state, ownerID, OAuthStateTTL); err != nil {
		logger.WithOwner(ownerID).WithError(err).Error("[OAuthHandler.Connect] failed to store state")
		return apperr.Internal("failed to store oauth state")
	}

	authURL, err := h.flow.AuthURL(state)
	if err != nil {
		return apperr.ConfigError(err.Error())
	}

	logger.WithOwner(ownerID).Info("[OAuthHandler.Connect] issued auth url")
	return SuccessResponse(c, fiber.Map{
		"auth_url":   authURL,
		"state":      state,
		"expires_in": int(OAuthStateTTL.Seconds()),
	})
}

func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if providerErr := c.Query("error"); providerErr != "" {
		logger.Warn("[OAuthHandler.Callback] provider returned %s: %s", providerErr, c.Query("error_description"))
		return apperr.BadRequest("authorization denied: " + providerErr)
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return apperr.InvalidInput("code", "code and state are required")
	}

	ownerID, err := h.states.ConsumeState(c.Context(), state)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidState) {
			return apperr.New(apperr.CodeInvalidToken, "invalid or expired oauth state", fiber.StatusBadRequest)
		}
		return apperr.InternalWithError(err)
	}

	account, err := h.flow.HandleCallback(c.Context(), code, ownerID)
	if err != nil {
		return err
	}

	logger.WithOwner(ownerID).Info("[OAuthHandler.Callback] connected %s", account.Email)
	return SuccessResponse(c, account)
}

func (h *OAuthHandler) Disconnect(c *fiber.Ctx) error {
	ownerID, err := OwnerID(c)
	if err != nil {
		return err
	}
	if err := h.flow.Disconnect(c.Context(), ownerID); err != nil {
		return err
	}
	return SuccessResponse(c, fiber.Map{"disconnected": true})
}
