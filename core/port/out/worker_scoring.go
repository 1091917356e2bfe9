package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// =============================================================================
// Classification service port
// =============================================================================

// ScoringService is the remote phase-2 classifier. Results are aligned by
// index with the input batch; a per-item Error marks items it could not score.
type ScoringService interface {
	Name() string
	Score(ctx context.Context, batch []domain.ScoringInput) ([]domain.Score, error)
	Health(ctx context.Context) (*ScorerHealth, error)
}

type ScorerHealth struct {
	Service     string    `json:"service"`
	Available   bool      `json:"available"`
	ModelLoaded bool      `json:"model_loaded"`
	Version     string    `json:"version,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	Error       string    `json:"error,omitempty"`
}
