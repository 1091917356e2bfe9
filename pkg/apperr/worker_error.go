package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"mailsync_server/core/domain"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeForbidden    = "FORBIDDEN"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	// Resource errors
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// Sync errors
	CodeRateLimited           = "RATE_LIMITED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeClassifierUnavailable = "CLASSIFIER_UNAVAILABLE"
	CodeDataIntegrity         = "DATA_INTEGRITY"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return New(CodeForbidden, message, http.StatusForbidden)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return New(CodeInternalError, message, http.StatusInternalServerError)
}

func InternalWithError(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

func ConfigError(message string) *AppError {
	return New(CodeConfigError, message, http.StatusInternalServerError)
}

func Timeout(operation string) *AppError {
	return New(CodeTimeout, fmt.Sprintf("operation timed out: %s", operation), http.StatusGatewayTimeout)
}

// =============================================================================
// Sync taxonomy -> HTTP
// =============================================================================

// FromSyncError maps the error class of err to an HTTP-facing AppError.
// Only auth_expired asks the client to reconnect.
func FromSyncError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, domain.ErrAccountNotFound) {
		return NotFound("account")
	}
	if errors.Is(err, domain.ErrSyncStopped) {
		return Conflict("sync is stopped for this mailbox, start it first")
	}

	class := domain.ClassOf(err)
	var out *AppError
	switch class {
	case domain.ErrClassAuthExpired:
		out = Wrap(err, CodeTokenExpired, "mailbox authorization expired, reconnect required", http.StatusUnauthorized)
	case domain.ErrClassRateLimited:
		out = Wrap(err, CodeRateLimited, "provider rate limit reached", http.StatusTooManyRequests)
		if ra := domain.RetryAfterOf(err); ra > 0 {
			out.WithDetail("retry_after_seconds", int(ra.Seconds()))
		}
	case domain.ErrClassTransient:
		out = Wrap(err, CodeProviderUnavailable, "mail provider temporarily unavailable", http.StatusServiceUnavailable)
	case domain.ErrClassClassificationUnavailable:
		out = Wrap(err, CodeClassifierUnavailable, "classification service unavailable", http.StatusServiceUnavailable)
	case domain.ErrClassDataIntegrity:
		out = Wrap(err, CodeDataIntegrity, "malformed provider data", http.StatusUnprocessableEntity)
	default:
		out = InternalWithError(err)
	}
	return out.WithDetail("error_class", string(class))
}

// Common error instances
var (
	ErrUnauthorized = Unauthorized("")
	ErrForbidden    = Forbidden("")
	ErrInternal     = Internal("")
	ErrRateLimited  = New(CodeRateLimited, "too many requests", http.StatusTooManyRequests)
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
