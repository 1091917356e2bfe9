package domain

import (
	"time"

	"github.com/google/uuid"
)

// Category is the label assigned to a message. Values match the labels
// returned by the scoring service.
type Category string

const (
	CategoryAcademic   Category = "Academic"
	CategoryPromotions Category = "Promotions"
	CategoryPlacement  Category = "Placement"
	CategorySpam       Category = "Spam"
	CategoryOther      Category = "Other"
)

// DefaultCategories is the label set used when the scoring service does not
// advertise its own.
var DefaultCategories = []Category{
	CategoryAcademic,
	CategoryPromotions,
	CategoryPlacement,
	CategorySpam,
	CategoryOther,
}

// ClassificationPhase: 1 = inline rules, 2 = scoring service
type ClassificationPhase int

const (
	PhaseHeuristic ClassificationPhase = 1
	PhaseRefined   ClassificationPhase = 2
)

// =============================================================================
// Classification
// =============================================================================

type Classification struct {
	Label        Category            `json:"label"`
	Confidence   float64             `json:"confidence"`
	Phase        ClassificationPhase `json:"phase"`
	Source       string              `json:"source,omitempty"` // rfc, keyword, model name
	Scores       map[string]float64  `json:"scores,omitempty"`
	ClassifiedAt time.Time           `json:"classified_at"`
}

// Bucket returns the analytics bucket for the classification confidence.
func (c *Classification) Bucket() ConfidenceBucket {
	if c == nil {
		return BucketLow
	}
	return BucketFor(c.Confidence)
}

// ClampConfidence keeps confidence within [0, 1].
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ShouldOverwrite decides whether a phase-2 result replaces the current one.
// A refined result wins only when its confidence is strictly higher.
func ShouldOverwrite(current *Classification, next Classification) bool {
	if current == nil || current.Label == "" {
		return true
	}
	return next.Confidence > current.Confidence
}

// ClassificationResult is returned per message by the dispatcher.
type ClassificationResult struct {
	MessageID        int64          `json:"message_id"`
	OwnerID          uuid.UUID      `json:"owner_id"`
	PreviousCategory Category       `json:"previous_category,omitempty"`
	Classification   Classification `json:"classification"`
	Changed          bool           `json:"changed"`
}

// =============================================================================
// Confidence buckets (analytics heuristic, not an accuracy measure)
// =============================================================================

type ConfidenceBucket string

const (
	BucketHigh   ConfidenceBucket = "high"
	BucketMedium ConfidenceBucket = "medium"
	BucketLow    ConfidenceBucket = "low"
)

const (
	HighConfidenceThreshold   = 0.7
	MediumConfidenceThreshold = 0.4
)

// BucketFor maps a confidence to high (>=0.7), medium [0.4,0.7) or low (<0.4).
func BucketFor(confidence float64) ConfidenceBucket {
	switch {
	case confidence >= HighConfidenceThreshold:
		return BucketHigh
	case confidence >= MediumConfidenceThreshold:
		return BucketMedium
	default:
		return BucketLow
	}
}

type BucketDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func (d *BucketDistribution) Add(confidence float64) {
	switch BucketFor(confidence) {
	case BucketHigh:
		d.High++
	case BucketMedium:
		d.Medium++
	default:
		d.Low++
	}
}

func (d BucketDistribution) Total() int {
	return d.High + d.Medium + d.Low
}

// =============================================================================
// Scoring boundary
// =============================================================================

// ScoringInput is the feature set sent to the scoring service.
type ScoringInput struct {
	MessageID int64  `json:"-"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Score is one scoring-service result, aligned by index with the input batch.
type Score struct {
	Label      Category           `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// =============================================================================
// Reclassification snapshots (backup / rollback)
// =============================================================================

type ClassificationSnapshotEntry struct {
	MessageID      int64           `json:"message_id" bson:"message_id"`
	Category       Category        `json:"category" bson:"category"`
	Classification *Classification `json:"classification,omitempty" bson:"classification,omitempty"`
}

type ReclassificationStats struct {
	Processed       int                `json:"processed"`
	Updated         int                `json:"updated"`
	Skipped         int                `json:"skipped"`
	Errors          int                `json:"errors"`
	LowConfidence   int                `json:"low_confidence"`
	CategoryChanges map[string]int     `json:"category_changes"`
	Buckets         BucketDistribution `json:"buckets"`
}

type ReclassificationRun struct {
	ID         string                `json:"id" bson:"_id"`
	OwnerID    uuid.UUID             `json:"owner_id" bson:"owner_id"`
	BackupID   string                `json:"backup_id" bson:"backup_id"`
	DryRun     bool                  `json:"dry_run" bson:"dry_run"`
	Threshold  float64               `json:"threshold" bson:"threshold"`
	Stats      ReclassificationStats `json:"stats" bson:"stats"`
	StartedAt  time.Time             `json:"started_at" bson:"started_at"`
	FinishedAt time.Time             `json:"finished_at" bson:"finished_at"`
}

type RollbackStats struct {
	BackupID string `json:"backup_id"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}
