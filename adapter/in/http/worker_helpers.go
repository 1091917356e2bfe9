package http

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/apperr"
)

// OwnerID returns the owner authenticated by middleware.JWTAuth.
func OwnerID(c *fiber.Ctx) (uuid.UUID, error) {
	ownerID, ok := c.Locals(middleware.LocalOwnerID).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		return uuid.Nil, apperr.Unauthorized("authentication required")
	}
	return ownerID, nil
}

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse represents a standard API response. Errors go through
// middleware.ErrorHandler.
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusOK, data)
}

// AcceptedResponse is SuccessResponse for work that was only queued.
func AcceptedResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusAccepted, data)
}

func respond(c *fiber.Ctx, status int, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// QueryUint64 parses an unsigned query parameter; a missing value yields def.
func QueryUint64(c *fiber.Ctx, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.InvalidInput(key, "must be a non-negative integer")
	}
	return v, nil
}
