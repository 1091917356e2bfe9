package scoring

import (
	"context"
	"errors"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

// Chain scores with the primary service and falls back when it is
// unavailable. A nil fallback makes it a plain pass-through.
type Chain struct {
	primary  out.ScoringService
	fallback out.ScoringService
}

func NewChain(primary, fallback out.ScoringService) *Chain {
	return &Chain{primary: primary, fallback: fallback}
}

func (c *Chain) Name() string {
	if c.fallback == nil {
		return c.primary.Name()
	}
	return c.primary.Name() + "|" + c.fallback.Name()
}

func (c *Chain) Score(ctx context.Context, batch []domain.ScoringInput) ([]domain.Score, error) {
	scores, err := c.primary.Score(ctx, batch)
	if err == nil || c.fallback == nil || !fallbackable(err) {
		return scores, err
	}

	logger.Warn("[ScorerChain.Score] %s unavailable, using %s for %d items: %v",
		c.primary.Name(), c.fallback.Name(), len(batch), err)
	fbScores, fbErr := c.fallback.Score(ctx, batch)
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return fbScores, nil
}

// Health reports the primary; when it is down the fallback's availability
// decides whether classification is still possible.
func (c *Chain) Health(ctx context.Context) (*out.ScorerHealth, error) {
	health, err := c.primary.Health(ctx)
	if err == nil && health.Available {
		return health, nil
	}
	if c.fallback == nil {
		return health, err
	}

	fb, fbErr := c.fallback.Health(ctx)
	if fbErr != nil {
		if err != nil {
			return nil, errors.Join(err, fbErr)
		}
		return health, nil
	}
	fb.Service = c.Name()
	return fb, nil
}

func fallbackable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return domain.ClassOf(err) == domain.ErrClassClassificationUnavailable
}

var _ out.ScoringService = (*Chain)(nil)
