package worker

import (
	"context"
	"errors"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

const lockBusyRetry = 5 * time.Second

var errSyncBusy = errors.New("sync already running on another worker")

// SyncProcessor runs sync triggers under the cross-process owner lock.
// Failed runs are not retried here: the engine records them in the sync
// status and SyncRetryScheduler re-queues them.
type SyncProcessor struct {
	runner in.SyncRunner
	lock   out.SyncLock
}

func NewSyncProcessor(runner in.SyncRunner, lock out.SyncLock) *SyncProcessor {
	return &SyncProcessor{runner: runner, lock: lock}
}

func (p *SyncProcessor) Process(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[SyncPayload](msg)
	if err != nil {
		return err
	}
	ownerID, err := parseOwner(payload.OwnerID)
	if err != nil {
		return err
	}

	if p.lock != nil {
		release, ok, err := p.lock.TryLock(ctx, "sync:"+ownerID.String())
		if err != nil {
			return retryByClass(err)
		}
		if !ok {
			logger.WithOwner(ownerID).Debug("[SyncProcessor.Process] owner locked elsewhere, retrying %s", msg.ID)
			return Retryable(errSyncBusy, lockBusyRetry)
		}
		defer release()
	}

	log := logger.WithOwner(ownerID).WithFields(map[string]any{
		"job_id": msg.ID,
		"source": payload.Source,
	})

	if msg.Type == JobMailFullSync {
		res, err := p.runner.FullSync(ctx, ownerID)
		if errors.Is(err, domain.ErrSyncStopped) {
			log.Info("[SyncProcessor.Process] sync stopped, dropping %s", msg.ID)
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("[SyncProcessor.Process] full sync: synced=%d failed=%d cursor=%d", res.Synced, res.Failed, res.Cursor)
		return nil
	}

	res, err := p.runner.IncrementalSync(ctx, ownerID, payload.TriggerCursor)
	if errors.Is(err, domain.ErrSyncStopped) {
		log.Info("[SyncProcessor.Process] sync stopped, dropping %s", msg.ID)
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case res.Skipped:
		log.Debug("[SyncProcessor.Process] trigger %d already applied", payload.TriggerCursor)
	case res.Coalesced:
		log.Debug("[SyncProcessor.Process] folded into running sync")
	default:
		log.Info("[SyncProcessor.Process] incremental sync: synced=%d failed=%d cursor=%d", res.Synced, res.Failed, res.Cursor)
	}
	return nil
}
