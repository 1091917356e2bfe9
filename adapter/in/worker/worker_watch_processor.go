package worker

import (
	"context"
	"errors"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/logger"
)

// WatchProcessor registers or renews one owner's push watch. The registrar
// schedules its own backoff, so failures are final for the job.
type WatchProcessor struct {
	watches in.WatchService
}

func NewWatchProcessor(watches in.WatchService) *WatchProcessor {
	return &WatchProcessor{watches: watches}
}

func (p *WatchProcessor) Process(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[WatchEnsurePayload](msg)
	if err != nil {
		return err
	}
	ownerID, err := parseOwner(payload.OwnerID)
	if err != nil {
		return err
	}

	sub, err := p.watches.EnsureWatch(ctx, ownerID)
	if errors.Is(err, domain.ErrSyncStopped) {
		logger.WithOwner(ownerID).Info("[WatchProcessor.Process] sync stopped, no watch registered")
		return nil
	}
	if err != nil {
		return err
	}
	logger.WithOwner(ownerID).Info("[WatchProcessor.Process] watch active until %s", sub.Expiry.Format("2006-01-02 15:04"))
	return nil
}
