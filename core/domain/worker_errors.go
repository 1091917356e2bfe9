package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error taxonomy
// =============================================================================

type ErrorClass string

const (
	ErrClassAuthExpired               ErrorClass = "auth_expired"
	ErrClassTransient                 ErrorClass = "transient"
	ErrClassRateLimited               ErrorClass = "rate_limited"
	ErrClassDataIntegrity             ErrorClass = "data_integrity"
	ErrClassClassificationUnavailable ErrorClass = "classification_unavailable"
	ErrClassFatal                     ErrorClass = "fatal"
)

// Retryable reports whether the retry policy may re-run an operation.
func (c ErrorClass) Retryable() bool {
	return c == ErrClassTransient || c == ErrClassRateLimited
}

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrNotConnected      = errors.New("account not connected")
	ErrRefreshFailed     = errors.New("token refresh failed")
	ErrMissingOwner      = errors.New("message has no owner")
	ErrMissingProviderID = errors.New("message has no provider id")
	ErrSyncStopped       = errors.New("sync stopped")
	ErrScorerUnavailable = errors.New("scoring service unavailable")
)

// SyncError carries an error class across component boundaries.
type SyncError struct {
	Class      ErrorClass
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) ErrorClass() ErrorClass {
	return e.Class
}

func NewSyncError(class ErrorClass, op string, err error) *SyncError {
	return &SyncError{Class: class, Op: op, Err: err}
}

// classifier is implemented by errors that know their own class
// (SyncError, out.ProviderError).
type classifier interface {
	ErrorClass() ErrorClass
}

type retryAfterer interface {
	RetryDelay() time.Duration
}

// ClassOf returns the taxonomy class of err. Unknown errors are treated as
// transient; cancellation is fatal so it is never retried.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ErrClassTransient
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrRefreshFailed):
		return ErrClassAuthExpired
	case errors.Is(err, ErrScorerUnavailable):
		return ErrClassClassificationUnavailable
	case errors.Is(err, ErrMissingOwner), errors.Is(err, ErrMissingProviderID):
		return ErrClassDataIntegrity
	case errors.Is(err, ErrSyncStopped):
		return ErrClassFatal
	}
	return ErrClassTransient
}

// RetryAfterOf returns the provider-specified retry interval, if any.
func RetryAfterOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryDelay()
	}
	return 0
}

func IsAuthExpired(err error) bool {
	return ClassOf(err) == ErrClassAuthExpired
}
