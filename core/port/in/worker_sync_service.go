// Package in defines inbound ports (driving ports) for the application.
package in

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
)

// TokenService hands out valid provider credentials.
type TokenService interface {
	GetValidToken(ctx context.Context, ownerID uuid.UUID) (*oauth2.Token, error)
	Refresh(ctx context.Context, ownerID uuid.UUID) (*oauth2.Token, error)
	Clear(ctx context.Context, ownerID uuid.UUID) error
	IsConnected(ctx context.Context, ownerID uuid.UUID) (bool, error)
}

// WatchService keeps one active push subscription per connected owner.
type WatchService interface {
	EnsureWatch(ctx context.Context, ownerID uuid.UUID) (*domain.WatchSubscription, error)
	Deregister(ctx context.Context, ownerID uuid.UUID) error
}

// ClassificationDispatcher runs phase 1 inline and queues phase 2.
type ClassificationDispatcher interface {
	Classify(ctx context.Context, messages []*domain.Message) ([]domain.ClassificationResult, error)
	EnqueuePhase2(ownerID uuid.UUID, messageIDs []int64)
	DropOwner(ownerID uuid.UUID)
}

// SyncControl is the control API consumed by the REST layer.
type SyncControl interface {
	StartSync(ctx context.Context, ownerID uuid.UUID) (*StartSyncResult, error)
	StopSync(ctx context.Context, ownerID uuid.UUID) error
	GetSyncStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error)
	ForceSync(ctx context.Context, ownerID uuid.UUID) (syncedCount int, err error)
}

type StartSyncResult struct {
	Mode        domain.SyncMode `json:"mode"`
	Queued      bool            `json:"queued"`
	WatchActive bool            `json:"watch_active"`
}

// SyncRunner executes sync jobs (worker side).
type SyncRunner interface {
	FullSync(ctx context.Context, ownerID uuid.UUID) (*domain.SyncResult, error)
	IncrementalSync(ctx context.Context, ownerID uuid.UUID, triggerCursor uint64) (*domain.SyncResult, error)
}

// Reclassifier re-runs classification over an owner's mailbox.
type Reclassifier interface {
	ReclassifyAll(ctx context.Context, ownerID uuid.UUID, opts ReclassifyOptions) (*domain.ReclassificationRun, error)
	Rollback(ctx context.Context, ownerID uuid.UUID, backupID string) (*domain.RollbackStats, error)
}

type ReclassifyOptions struct {
	BatchSize           int     `json:"batch_size"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	DryRun              bool    `json:"dry_run"`
}

// AnalyticsService serves cached per-owner aggregates.
type AnalyticsService interface {
	Summary(ctx context.Context, ownerID uuid.UUID) (*AnalyticsSummary, error)
}

type AnalyticsSummary struct {
	Total               int                       `json:"total"`
	Categories          map[domain.Category]int   `json:"categories"`
	Confidence          domain.BucketDistribution `json:"confidence"`
	ClassifierAvailable bool                      `json:"classifier_available"`
	ClassifierService   string                    `json:"classifier_service,omitempty"`
	ComputedAt          string                    `json:"computed_at"`
}

// ChangeFeed serves the catch-up snapshot for clients that missed events.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, ownerID uuid.UUID, cursor uint64, limit int) (*ChangeSnapshot, error)
}

type ChangeSnapshot struct {
	Messages []*domain.Message `json:"messages"`
	Cursor   uint64            `json:"cursor"`
	HasMore  bool              `json:"has_more"`
}
