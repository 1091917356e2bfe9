package analytics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/cache"
)

type countingRepo struct {
	out.MessageRepository
	calls atomic.Int32
}

func (r *countingRepo) CategoryDistribution(ctx context.Context, ownerID uuid.UUID) (map[domain.Category]int, error) {
	r.calls.Add(1)
	return map[domain.Category]int{domain.CategoryAcademic: 3, domain.CategorySpam: 1}, nil
}

func (r *countingRepo) ConfidenceBuckets(ctx context.Context, ownerID uuid.UUID) (domain.BucketDistribution, error) {
	return domain.BucketDistribution{High: 2, Medium: 1, Low: 1}, nil
}

type staticHealth struct{}

func (staticHealth) ScorerHealth(ctx context.Context) *out.ScorerHealth {
	return &out.ScorerHealth{Service: "model", Available: true}
}

func TestService_Summary_CachedUntilInvalidated(t *testing.T) {
	repo := &countingRepo{}
	coordinator := cache.NewCoordinator(cache.DefaultConfig(), nil)
	svc := NewService(repo, staticHealth{}, coordinator, time.Minute)
	owner := uuid.New()
	ctx := context.Background()

	summary, err := svc.Summary(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 4 {
		t.Errorf("expected total 4, got %d", summary.Total)
	}
	if summary.Confidence.High != 2 {
		t.Errorf("expected 2 high-confidence, got %d", summary.Confidence.High)
	}
	if !summary.ClassifierAvailable {
		t.Error("expected classifier available")
	}

	if _, err := svc.Summary(ctx, owner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := repo.calls.Load(); n != 1 {
		t.Errorf("expected cached summary, got %d computations", n)
	}

	coordinator.Invalidate(ctx, owner)
	if _, err := svc.Summary(ctx, owner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := repo.calls.Load(); n != 2 {
		t.Errorf("expected recompute after invalidation, got %d computations", n)
	}
}
