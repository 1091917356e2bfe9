package classification

import (
	"context"
	"strings"

	"mailsync_server/core/domain"
)

// =============================================================================
// RFC Header Classifier (Stage 0a)
// =============================================================================
//
//   - Precedence: junk                       → Spam
//   - List-Unsubscribe / Precedence: bulk    → Promotions
//   - ESP mailer or Feedback-ID              → Promotions
//   - Auto-Submitted / no-reply sender       → Other (system notification)

type RFCClassifier struct{}

func NewRFCClassifier() *RFCClassifier {
	return &RFCClassifier{}
}

func (c *RFCClassifier) Name() string {
	return "rfc"
}

func (c *RFCClassifier) Classify(ctx context.Context, input *RuleInput) *RuleResult {
	h := input.Headers
	var best *RuleResult
	var signals []string

	consider := func(r *RuleResult) {
		if r != nil && (best == nil || r.Score > best.Score) {
			best = r
		}
	}

	switch strings.ToLower(strings.TrimSpace(h.Precedence)) {
	case "junk":
		signals = append(signals, SignalPrecedenceJunk)
		consider(&RuleResult{Label: domain.CategorySpam, Score: 0.85, Source: "rfc:precedence-junk"})
	case "bulk":
		signals = append(signals, SignalPrecedenceBulk)
		consider(&RuleResult{Label: domain.CategoryPromotions, Score: 0.75, Source: "rfc:precedence-bulk"})
	case "list":
		signals = append(signals, SignalListID)
		consider(&RuleResult{Label: domain.CategoryPromotions, Score: 0.60, Source: "rfc:precedence-list"})
	}

	if h.ListUnsubscribe != "" {
		signals = append(signals, SignalListUnsubscribe)
		consider(&RuleResult{Label: domain.CategoryPromotions, Score: 0.70, Source: "rfc:list-unsubscribe"})
	}

	if h.FeedbackID != "" || isMarketingMailer(h.XMailer) {
		signals = append(signals, SignalMarketingESP)
		consider(&RuleResult{Label: domain.CategoryPromotions, Score: 0.72, Source: "rfc:esp"})
	}

	if isAutoSubmitted(h.AutoSubmitted) {
		signals = append(signals, SignalAutoSubmitted)
		consider(&RuleResult{Label: domain.CategoryOther, Score: 0.55, Source: "rfc:auto-submitted"})
	} else if isNoReply(input.FromEmail) {
		signals = append(signals, SignalNoReply)
		consider(&RuleResult{Label: domain.CategoryOther, Score: 0.45, Source: "rfc:noreply"})
	}

	if best != nil {
		best.Signals = signals
	}
	return best
}

var marketingMailers = []string{
	"mailchimp", "sendgrid", "mailgun", "sendinblue", "brevo",
	"hubspot", "marketo", "klaviyo", "constant contact", "campaign monitor",
}

func isMarketingMailer(mailer string) bool {
	if mailer == "" {
		return false
	}
	m := strings.ToLower(mailer)
	for _, esp := range marketingMailers {
		if strings.Contains(m, esp) {
			return true
		}
	}
	return false
}

// Auto-Submitted: no means a human sent it (RFC 3834).
func isAutoSubmitted(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v != "" && v != "no"
}

func isNoReply(from string) bool {
	local := strings.ToLower(from)
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	return strings.Contains(local, "noreply") ||
		strings.Contains(local, "no-reply") ||
		strings.Contains(local, "donotreply") ||
		strings.Contains(local, "do-not-reply")
}
