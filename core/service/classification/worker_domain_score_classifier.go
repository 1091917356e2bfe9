package classification

import (
	"context"
	"strings"

	"mailsync_server/core/domain"
)

// =============================================================================
// Domain Classifier (Stage 0b)
// =============================================================================

type domainConfig struct {
	label  domain.Category
	score  float64
	source string
	signal string
}

// DomainClassifier matches the sender domain against known institutions,
// job boards and bulk senders.
type DomainClassifier struct {
	exact map[string]domainConfig
}

func NewDomainClassifier() *DomainClassifier {
	c := &DomainClassifier{exact: make(map[string]domainConfig)}
	c.initJobBoardDomains()
	c.initMarketingDomains()
	return c
}

func (c *DomainClassifier) Name() string {
	return "domain"
}

func (c *DomainClassifier) initJobBoardDomains() {
	cfg := domainConfig{label: domain.CategoryPlacement, score: 0.75, source: "domain:job-board", signal: SignalJobBoardDomain}
	for _, d := range []string{
		"linkedin.com", "indeed.com", "glassdoor.com", "naukri.com", "internshala.com",
		"monster.com", "wellfound.com", "angel.co", "hackerrank.com", "unstop.com",
		"greenhouse.io", "lever.co", "workday.com", "smartrecruiters.com",
	} {
		c.exact[d] = cfg
	}
}

func (c *DomainClassifier) initMarketingDomains() {
	cfg := domainConfig{label: domain.CategoryPromotions, score: 0.70, source: "domain:bulk-sender", signal: SignalMarketingDomain}
	for _, d := range []string{
		"mailchimp.com", "mcsv.net", "sendgrid.net", "mailgun.org", "klaviyomail.com",
		"hubspotemail.net", "e.amazon.com", "marketing.flipkart.com", "news.myntra.com",
	} {
		c.exact[d] = cfg
	}
}

func (c *DomainClassifier) Classify(ctx context.Context, input *RuleInput) *RuleResult {
	emailDomain := extractDomain(input.FromEmail)
	if emailDomain == "" {
		return nil
	}

	// exact match first, then parent domains (mail.linkedin.com → linkedin.com)
	for d := emailDomain; d != ""; d = parentDomain(d) {
		if cfg, ok := c.exact[d]; ok {
			return &RuleResult{Label: cfg.label, Score: cfg.score, Source: cfg.source, Signals: []string{cfg.signal}}
		}
	}

	if isAcademicDomain(emailDomain) {
		return &RuleResult{
			Label:   domain.CategoryAcademic,
			Score:   0.70,
			Source:  "domain:academic",
			Signals: []string{SignalAcademicDomain},
		}
	}
	return nil
}

func isAcademicDomain(d string) bool {
	return strings.HasSuffix(d, ".edu") ||
		strings.Contains(d, ".edu.") ||
		strings.Contains(d, ".ac.") ||
		strings.HasSuffix(d, ".ac.in") ||
		strings.HasSuffix(d, ".ac.uk")
}

func extractDomain(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.TrimSuffix(email[at+1:], ">")
}

func parentDomain(d string) string {
	i := strings.IndexByte(d, '.')
	if i < 0 {
		return ""
	}
	rest := d[i+1:]
	if !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
