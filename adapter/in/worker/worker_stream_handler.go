package worker

import (
	"context"
	"errors"

	"mailsync_server/pkg/logger"
)

var errPoolBusy = errors.New("worker pool rejected job")

// Submitter is Pool.
type Submitter interface {
	Submit(msg *Message) bool
}

// StreamHandler feeds Redis Stream entries into the pool. Errors leave the
// entry pending; the consumer reclaims it and dead-letters it after its
// retry limit.
type StreamHandler struct {
	pool Submitter
}

func NewStreamHandler(pool Submitter) *StreamHandler {
	return &StreamHandler{pool: pool}
}

func (h *StreamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	msg, err := MessageFromStream(stream, data)
	if err != nil {
		logger.Warn("[StreamHandler.Handle] %v", err)
		return err
	}
	if !h.pool.Submit(msg) {
		return errPoolBusy
	}
	return nil
}
