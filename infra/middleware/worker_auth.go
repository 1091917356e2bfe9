package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// LocalOwnerID is the fiber.Locals key holding the authenticated owner.
const LocalOwnerID = "owner_id"

var errMissingToken = errors.New("missing authorization")

// OwnerClaims is the owner-scoped credential used by the control API and the
// realtime stream.
type OwnerClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// IssueOwnerToken signs an HS256 token for ownerID.
func IssueOwnerToken(secret string, ownerID uuid.UUID, scope string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret not configured")
	}
	now := time.Now()
	claims := OwnerClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWTAuth validates the owner token from the Authorization header or, for
// EventSource clients that cannot set headers, the token query parameter.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		ownerID, err := parseOwnerToken(secret, bearerToken(c))
		if err != nil {
			logger.WithError(err).Debug("[JWTAuth] rejected %s %s", c.Method(), c.Path())
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.New(apperr.CodeTokenExpired, "token expired", fiber.StatusUnauthorized)
			}
			return apperr.InvalidToken("invalid or missing token")
		}

		c.Locals(LocalOwnerID, ownerID)
		return c.Next()
	}
}

// RequireOwnerParam rejects requests whose :owner path parameter differs from
// the authenticated owner.
func RequireOwnerParam(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authed, ok := c.Locals(LocalOwnerID).(uuid.UUID)
		if !ok {
			return apperr.Unauthorized("")
		}
		requested, err := uuid.Parse(c.Params(param))
		if err != nil {
			return apperr.InvalidInput(param, "must be a uuid")
		}
		if requested != authed {
			return apperr.Forbidden("token is not scoped to this owner")
		}
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}

func parseOwnerToken(secret, tokenString string) (uuid.UUID, error) {
	if tokenString == "" {
		return uuid.Nil, errMissingToken
	}
	if secret == "" {
		return uuid.Nil, errors.New("JWT secret not configured")
	}

	var claims OwnerClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)
	if err != nil {
		return uuid.Nil, err
	}

	ownerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return ownerID, nil
}
