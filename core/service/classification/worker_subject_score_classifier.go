package classification

import (
	"context"
	"strings"

	"mailsync_server/core/domain"
)

// =============================================================================
// Keyword Classifier (Stage 0c)
// =============================================================================

type keywordSet struct {
	label    domain.Category
	keywords []string
	signal   string
	// score for one hit; each extra hit adds step up to max
	base, step, max float64
}

// KeywordClassifier scores subject and snippet against per-category
// keyword sets. Subject hits count double.
type KeywordClassifier struct {
	sets []keywordSet
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{sets: []keywordSet{
		{
			label:  domain.CategorySpam,
			signal: SignalSpamKeyword,
			keywords: []string{
				"you have won", "lottery", "claim your prize", "wire transfer", "inheritance",
				"bitcoin investment", "act now", "100% free", "risk free", "verify your account immediately",
			},
			base: 0.60, step: 0.10, max: 0.80,
		},
		{
			label:  domain.CategoryPlacement,
			signal: SignalPlacementKeyword,
			keywords: []string{
				"interview", "internship", "placement", "recruitment", "hiring", "job offer",
				"career", "resume", "candidate", "position", "campus drive", "shortlisted", "salary",
			},
			base: 0.50, step: 0.08, max: 0.80,
		},
		{
			label:  domain.CategoryAcademic,
			signal: SignalAcademicKeyword,
			keywords: []string{
				"assignment", "homework", "course", "lecture", "semester", "exam", "grade",
				"professor", "syllabus", "thesis", "research", "university", "college", "quiz",
			},
			base: 0.50, step: 0.08, max: 0.80,
		},
		{
			label:  domain.CategoryPromotions,
			signal: SignalPromoKeyword,
			keywords: []string{
				"sale", "% off", "discount", "offer", "deal", "coupon", "promo", "limited time",
				"free shipping", "subscribe", "newsletter", "exclusive",
			},
			base: 0.45, step: 0.08, max: 0.75,
		},
	}}
}

func (c *KeywordClassifier) Name() string {
	return "keyword"
}

func (c *KeywordClassifier) Classify(ctx context.Context, input *RuleInput) *RuleResult {
	subject := strings.ToLower(input.Subject)
	body := strings.ToLower(input.Snippet)
	if subject == "" && body == "" {
		return nil
	}

	var best *RuleResult
	for _, set := range c.sets {
		hits := 0
		for _, kw := range set.keywords {
			if strings.Contains(subject, kw) {
				hits += 2
			} else if strings.Contains(body, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := set.base + float64(hits-1)*set.step
		if score > set.max {
			score = set.max
		}
		if best == nil || score > best.Score {
			best = &RuleResult{
				Label:   set.label,
				Score:   score,
				Source:  "keyword:" + strings.ToLower(string(set.label)),
				Signals: []string{set.signal},
			}
		}
	}
	return best
}
