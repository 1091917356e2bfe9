package out

import (
	"context"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
)

// ClassificationArchive keeps classification snapshots for rollback and a log
// of reclassification runs (MongoDB).
type ClassificationArchive interface {
	SaveSnapshot(ctx context.Context, ownerID uuid.UUID, entries []domain.ClassificationSnapshotEntry) (backupID string, err error)
	LoadSnapshot(ctx context.Context, ownerID uuid.UUID, backupID string) ([]domain.ClassificationSnapshotEntry, error)
	RecordRun(ctx context.Context, run *domain.ReclassificationRun) error
	ListRuns(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.ReclassificationRun, error)
}
