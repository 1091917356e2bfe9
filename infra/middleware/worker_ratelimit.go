package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/ratelimit"
)

// OwnerRateLimit throttles expensive control calls per authenticated owner,
// falling back to the client IP before authentication.
func OwnerRateLimit(limiter *ratelimit.KeyedLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if ownerID, ok := c.Locals(LocalOwnerID).(uuid.UUID); ok {
			key = "owner:" + ownerID.String()
		}
		if !limiter.Allow(key) {
			c.Set(fiber.HeaderRetryAfter, "1")
			return apperr.ErrRateLimited
		}
		return c.Next()
	}
}
