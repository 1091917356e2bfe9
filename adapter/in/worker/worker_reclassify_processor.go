package worker

import (
	"context"

	"mailsync_server/core/port/in"
	"mailsync_server/pkg/logger"
)

type ReclassifyProcessor struct {
	reclassifier in.Reclassifier
}

func NewReclassifyProcessor(reclassifier in.Reclassifier) *ReclassifyProcessor {
	return &ReclassifyProcessor{reclassifier: reclassifier}
}

func (p *ReclassifyProcessor) Process(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[ReclassifyPayload](msg)
	if err != nil {
		return err
	}
	ownerID, err := parseOwner(payload.OwnerID)
	if err != nil {
		return err
	}

	run, err := p.reclassifier.ReclassifyAll(ctx, ownerID, in.ReclassifyOptions{
		BatchSize:           payload.BatchSize,
		ConfidenceThreshold: payload.ConfidenceThreshold,
		DryRun:              payload.DryRun,
	})
	if err != nil {
		return retryByClass(err)
	}
	logger.WithOwner(ownerID).Info("[ReclassifyProcessor.Process] run %s backup=%s updated=%d",
		run.ID, run.BackupID, run.Stats.Updated)
	return nil
}
