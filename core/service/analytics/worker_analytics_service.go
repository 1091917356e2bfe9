// Package analytics serves per-owner classification aggregates.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/cache"
)

const summaryKey = "analytics:summary"

// HealthProber reports scoring service availability.
type HealthProber interface {
	ScorerHealth(ctx context.Context) *out.ScorerHealth
}

type Service struct {
	messages out.MessageRepository
	scorer   HealthProber
	cache    *cache.Coordinator
	ttl      time.Duration
}

func NewService(messages out.MessageRepository, scorer HealthProber, coordinator *cache.Coordinator, ttl time.Duration) *Service {
	return &Service{
		messages: messages,
		scorer:   scorer,
		cache:    coordinator,
		ttl:      ttl,
	}
}

// Summary returns category distribution and confidence buckets, cached until
// the owner's classifications change.
func (s *Service) Summary(ctx context.Context, ownerID uuid.UUID) (*in.AnalyticsSummary, error) {
	return cache.GetOrCompute(ctx, s.cache, ownerID, summaryKey, s.ttl, func(ctx context.Context) (*in.AnalyticsSummary, error) {
		return s.compute(ctx, ownerID)
	})
}

func (s *Service) compute(ctx context.Context, ownerID uuid.UUID) (*in.AnalyticsSummary, error) {
	categories, err := s.messages.CategoryDistribution(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("category distribution: %w", err)
	}
	buckets, err := s.messages.ConfidenceBuckets(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("confidence buckets: %w", err)
	}

	total := 0
	for _, n := range categories {
		total += n
	}

	summary := &in.AnalyticsSummary{
		Total:      total,
		Categories: categories,
		Confidence: buckets,
		ComputedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if s.scorer != nil {
		h := s.scorer.ScorerHealth(ctx)
		summary.ClassifierAvailable = h.Available
		summary.ClassifierService = h.Service
	}
	return summary, nil
}
