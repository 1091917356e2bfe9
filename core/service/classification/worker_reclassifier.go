package classification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

const (
	defaultReclassifyBatch = 100
	reclassifyPageSize     = 500
)

// Reclassifier re-runs both phases over a whole mailbox, keeping a snapshot
// of the previous classifications so the run can be rolled back.
type Reclassifier struct {
	dispatcher *Dispatcher
	messages   out.MessageRepository
	archive    out.ClassificationArchive
	events     out.EventPublisher
}

func NewReclassifier(dispatcher *Dispatcher, messages out.MessageRepository, archive out.ClassificationArchive, events out.EventPublisher) *Reclassifier {
	return &Reclassifier{
		dispatcher: dispatcher,
		messages:   messages,
		archive:    archive,
		events:     events,
	}
}

func (r *Reclassifier) ReclassifyAll(ctx context.Context, ownerID uuid.UUID, opts in.ReclassifyOptions) (*domain.ReclassificationRun, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultReclassifyBatch
	}
	if opts.ConfidenceThreshold < 0 || opts.ConfidenceThreshold > 1 {
		return nil, domain.NewSyncError(domain.ErrClassDataIntegrity, "reclassify",
			fmt.Errorf("confidence threshold %.2f out of range", opts.ConfidenceThreshold))
	}

	run := &domain.ReclassificationRun{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		DryRun:    opts.DryRun,
		Threshold: opts.ConfidenceThreshold,
		StartedAt: time.Now().UTC(),
		Stats:     domain.ReclassificationStats{CategoryChanges: make(map[string]int)},
	}

	msgs, err := r.loadAll(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	// 1. backup
	if !opts.DryRun && len(msgs) > 0 {
		entries := make([]domain.ClassificationSnapshotEntry, len(msgs))
		for i, m := range msgs {
			entries[i] = domain.ClassificationSnapshotEntry{MessageID: m.ID, Category: m.Category, Classification: m.Classification}
		}
		backupID, err := r.archive.SaveSnapshot(ctx, ownerID, entries)
		if err != nil {
			return nil, fmt.Errorf("snapshot classifications: %w", err)
		}
		run.BackupID = backupID
	}

	// 2. phase 1 over every message
	phase1Changed := 0
	for _, m := range msgs {
		cls := r.dispatcher.phase1.Classify(ctx, ruleInputOf(m))
		if m.Category != "" && m.Category != cls.Label {
			phase1Changed++
		}
		if opts.DryRun || m.HasFinalClassification() {
			continue
		}
		if err := r.messages.UpdateClassification(ctx, m.ID, cls); err != nil {
			logger.Warn("[Reclassifier.ReclassifyAll] phase-1 update of %d failed: %v", m.ID, err)
			continue
		}
		m.Category = cls.Label
		m.Classification = &cls
	}
	r.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventReclassificationPhase1Complete, domain.ReclassificationPhase1Data{
		Processed: len(msgs),
		Changed:   phase1Changed,
	}))

	// 3. phase 2 in batches
	stats := &run.Stats
	for start := 0; start < len(msgs); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + opts.BatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		batch := msgs[start:end]

		scores, err := r.dispatcher.score(ctx, batch)
		if err != nil {
			logger.Warn("[Reclassifier.ReclassifyAll] batch %d-%d failed: %v", start, end, err)
			stats.Errors += len(batch)
			stats.Processed += len(batch)
			r.progress(ctx, ownerID, stats, len(msgs))
			continue
		}

		for i, m := range batch {
			stats.Processed++
			s := scores[i]
			if s.Error != "" || s.Label == "" {
				stats.Errors++
				continue
			}
			conf := domain.ClampConfidence(s.Confidence)
			stats.Buckets.Add(conf)
			if conf < opts.ConfidenceThreshold {
				stats.LowConfidence++
				stats.Skipped++
				continue
			}
			if s.Label == m.Category {
				stats.Skipped++
				continue
			}

			stats.Updated++
			stats.CategoryChanges[fmt.Sprintf("%s->%s", m.Category, s.Label)]++
			if opts.DryRun {
				continue
			}
			cls := domain.Classification{
				Label:        s.Label,
				Confidence:   conf,
				Phase:        domain.PhaseRefined,
				Source:       r.dispatcher.scorer.Name(),
				Scores:       s.Scores,
				ClassifiedAt: time.Now().UTC(),
			}
			if err := r.messages.UpdateClassification(ctx, m.ID, cls); err != nil {
				stats.Updated--
				stats.Errors++
				continue
			}
			previous := m.Category
			m.Category = cls.Label
			m.Classification = &cls
			r.dispatcher.publishCategoryUpdated(ctx, m, previous, cls)
		}
		r.progress(ctx, ownerID, stats, len(msgs))
	}

	run.FinishedAt = time.Now().UTC()
	if err := r.archive.RecordRun(ctx, run); err != nil {
		logger.Warn("[Reclassifier.ReclassifyAll] failed to record run %s: %v", run.ID, err)
	}
	r.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventReclassificationComplete, domain.ReclassificationCompleteData{
		BackupID: run.BackupID,
		DryRun:   run.DryRun,
		Stats:    run.Stats,
	}))

	logger.WithOwner(ownerID).Info("[Reclassifier.ReclassifyAll] processed=%d updated=%d skipped=%d errors=%d",
		stats.Processed, stats.Updated, stats.Skipped, stats.Errors)
	return run, nil
}

// Rollback restores the classifications saved under backupID.
func (r *Reclassifier) Rollback(ctx context.Context, ownerID uuid.UUID, backupID string) (*domain.RollbackStats, error) {
	entries, err := r.archive.LoadSnapshot(ctx, ownerID, backupID)
	if err != nil {
		return nil, err
	}

	stats := &domain.RollbackStats{BackupID: backupID}
	for _, e := range entries {
		var cls domain.Classification
		switch {
		case e.Classification != nil:
			cls = *e.Classification
		case e.Category != "":
			cls = domain.Classification{Label: e.Category, Phase: domain.PhaseHeuristic, Source: "rollback", ClassifiedAt: time.Now().UTC()}
		default:
			stats.Skipped++
			continue
		}
		if err := r.messages.UpdateClassification(ctx, e.MessageID, cls); err != nil {
			stats.Errors++
			continue
		}
		stats.Restored++
	}

	r.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventReclassificationComplete, domain.ReclassificationCompleteData{
		BackupID: backupID,
		Stats:    domain.ReclassificationStats{Processed: len(entries), Updated: stats.Restored, Skipped: stats.Skipped, Errors: stats.Errors},
	}))
	return stats, nil
}

func (r *Reclassifier) loadAll(ctx context.Context, ownerID uuid.UUID) ([]*domain.Message, error) {
	var all []*domain.Message
	var afterID int64
	for {
		page, err := r.messages.ListByOwner(ctx, ownerID, afterID, reclassifyPageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		all = append(all, page...)
		if len(page) < reclassifyPageSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (r *Reclassifier) progress(ctx context.Context, ownerID uuid.UUID, stats *domain.ReclassificationStats, total int) {
	r.events.Publish(ctx, domain.NewEvent(ownerID, domain.EventReclassificationProgress, domain.ReclassificationProgressData{
		Processed: stats.Processed,
		Total:     total,
		Updated:   stats.Updated,
	}))
}
