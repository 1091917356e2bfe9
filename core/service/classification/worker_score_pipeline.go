package classification

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// =============================================================================
// Phase-1 Pipeline
// =============================================================================

// Phase1Pipeline runs the rule stages in order; the highest score wins and a
// score at or above EarlyExitThreshold stops the pipeline.
type Phase1Pipeline struct {
	config *Phase1Config
	stages []RuleClassifier
}

func NewPhase1Pipeline(config *Phase1Config) *Phase1Pipeline {
	if config == nil {
		config = DefaultPhase1Config()
	}
	return &Phase1Pipeline{
		config: config,
		stages: []RuleClassifier{
			NewRFCClassifier(),
			NewDomainClassifier(),
			NewKeywordClassifier(),
		},
	}
}

// Classify never fails; unmatched messages get the default label.
func (p *Phase1Pipeline) Classify(ctx context.Context, input *RuleInput) domain.Classification {
	var best *RuleResult
	for _, stage := range p.stages {
		result := stage.Classify(ctx, input)
		if result == nil {
			continue
		}
		if best == nil || result.Score > best.Score {
			best = result
		}
		if result.Score >= p.config.EarlyExitThreshold {
			break
		}
	}

	if best == nil {
		best = &RuleResult{Label: p.config.DefaultLabel, Score: p.config.DefaultScore, Source: "default"}
	}
	return domain.Classification{
		Label:        best.Label,
		Confidence:   domain.ClampConfidence(best.Score),
		Phase:        domain.PhaseHeuristic,
		Source:       best.Source,
		ClassifiedAt: time.Now().UTC(),
	}
}
