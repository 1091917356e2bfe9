// Package classification assigns categories to synced messages.
//
// Phase 1 runs inline during sync with cheap rules so every message has a
// category immediately:
//
//	Stage 0a: RFC Headers  → List-Unsubscribe, Precedence, ESP, Auto-Submitted
//	Stage 0b: Domain       → sender domain (.edu, job boards, ESPs)
//	Stage 0c: Keywords     → subject + snippet keyword sets
//
// Each stage returns a score (0.0-1.0) and the highest score wins. Phase 2
// re-scores in batches through the scoring service and overwrites only when
// its confidence is higher.
package classification

import (
	"context"

	"mailsync_server/core/domain"
)

// =============================================================================
// Rule Classifier Interface
// =============================================================================

// RuleInput is the message view the phase-1 stages look at.
type RuleInput struct {
	Subject   string
	Snippet   string
	FromEmail string
	FromName  string
	Headers   domain.MessageHeaders
}

func ruleInputOf(m *domain.Message) *RuleInput {
	return &RuleInput{
		Subject:   m.Subject,
		Snippet:   m.Snippet,
		FromEmail: m.FromEmail,
		FromName:  m.FromName,
		Headers:   m.Headers,
	}
}

// RuleResult is one stage's verdict.
type RuleResult struct {
	Label   domain.Category
	Score   float64  // 0.0 - 1.0
	Source  string   // e.g. "rfc:list-unsubscribe"
	Signals []string // detected signals (for debugging)
}

// RuleClassifier is one phase-1 stage. It returns nil when it has no opinion.
type RuleClassifier interface {
	Name() string
	Classify(ctx context.Context, input *RuleInput) *RuleResult
}

// Phase1Config holds thresholds for the rule pipeline.
type Phase1Config struct {
	// stop at the first stage scoring at least this
	EarlyExitThreshold float64
	// label and score when no stage matched
	DefaultLabel domain.Category
	DefaultScore float64
}

func DefaultPhase1Config() *Phase1Config {
	return &Phase1Config{
		EarlyExitThreshold: 0.85,
		DefaultLabel:       domain.CategoryOther,
		DefaultScore:       0.30,
	}
}

// =============================================================================
// Signal Constants
// =============================================================================

// RFC Header Signals
const (
	SignalListUnsubscribe = "list-unsubscribe"
	SignalListID          = "list-id"
	SignalPrecedenceBulk  = "precedence-bulk"
	SignalPrecedenceJunk  = "precedence-junk"
	SignalAutoSubmitted   = "auto-submitted"
	SignalFeedbackID      = "feedback-id"
	SignalMarketingESP    = "marketing-esp"
	SignalNoReply         = "noreply-sender"
)

// Content Signals
const (
	SignalAcademicKeyword  = "academic-keyword"
	SignalPlacementKeyword = "placement-keyword"
	SignalPromoKeyword     = "promo-keyword"
	SignalSpamKeyword      = "spam-keyword"
	SignalAcademicDomain   = "academic-domain"
	SignalJobBoardDomain   = "job-board-domain"
	SignalMarketingDomain  = "marketing-domain"
)
