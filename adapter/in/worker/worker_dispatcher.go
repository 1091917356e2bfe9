package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/logger"
)

type Handler struct {
	syncProcessor       *SyncProcessor
	watchProcessor      *WatchProcessor
	reclassifyProcessor *ReclassifyProcessor
}

func NewHandler(
	syncProcessor *SyncProcessor,
	watchProcessor *WatchProcessor,
	reclassifyProcessor *ReclassifyProcessor,
) *Handler {
	return &Handler{
		syncProcessor:       syncProcessor,
		watchProcessor:      watchProcessor,
		reclassifyProcessor: reclassifyProcessor,
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("[Handler.Process] %s (%s)", msg.Type, msg.ID)

	switch msg.Type {
	case JobMailFullSync, JobMailIncrementalSync:
		return h.syncProcessor.Process(ctx, msg)
	case JobWatchEnsure:
		return h.watchProcessor.Process(ctx, msg)
	case JobReclassify:
		return h.reclassifyProcessor.Process(ctx, msg)
	default:
		logger.Warn("[Handler.Process] unknown job type: %s", msg.Type)
		return nil
	}
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func parseOwner(raw string) (uuid.UUID, error) {
	ownerID, err := uuid.Parse(raw)
	if err != nil || ownerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid owner id %q", raw)
	}
	return ownerID, nil
}

// =============================================================================
// Retry classification
// =============================================================================

// RetryableError marks a job failure the pool should retry. After, when set,
// overrides the backoff.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, After: after}
}

// retryByClass marks transient and rate-limited failures retryable.
// AuthExpired, DataIntegrity and Fatal are terminal.
func retryByClass(err error) error {
	if err == nil {
		return nil
	}
	switch domain.ClassOf(err) {
	case domain.ErrClassTransient, domain.ErrClassClassificationUnavailable:
		return Retryable(err, 0)
	case domain.ErrClassRateLimited:
		return Retryable(err, domain.RetryAfterOf(err))
	default:
		return err
	}
}

func asRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
