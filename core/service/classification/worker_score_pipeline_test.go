package classification

import (
	"context"
	"testing"

	"mailsync_server/core/domain"
)

func TestRFCClassifier(t *testing.T) {
	classifier := NewRFCClassifier()

	tests := []struct {
		name         string
		input        *RuleInput
		wantLabel    domain.Category
		wantMinScore float64
		wantSource   string
		wantNil      bool
	}{
		{
			name: "List-Unsubscribe header should classify as Promotions",
			input: &RuleInput{
				FromEmail: "newsletter@example.com",
				Subject:   "Weekly Newsletter",
				Headers:   domain.MessageHeaders{ListUnsubscribe: "<mailto:unsubscribe@example.com>"},
			},
			wantLabel:    domain.CategoryPromotions,
			wantMinScore: 0.70,
			wantSource:   "rfc:list-unsubscribe",
		},
		{
			name: "Precedence: bulk should classify as Promotions",
			input: &RuleInput{
				FromEmail: "promo@store.com",
				Headers:   domain.MessageHeaders{Precedence: "bulk"},
			},
			wantLabel:    domain.CategoryPromotions,
			wantMinScore: 0.75,
			wantSource:   "rfc:precedence-bulk",
		},
		{
			name: "Precedence: junk should classify as Spam",
			input: &RuleInput{
				FromEmail: "x@unknown.biz",
				Headers:   domain.MessageHeaders{Precedence: "Junk"},
			},
			wantLabel:    domain.CategorySpam,
			wantMinScore: 0.85,
			wantSource:   "rfc:precedence-junk",
		},
		{
			name: "Mailchimp mailer should classify as Promotions",
			input: &RuleInput{
				FromEmail: "updates@service.com",
				Headers:   domain.MessageHeaders{XMailer: "MailChimp Mailer - **CID123**"},
			},
			wantLabel:    domain.CategoryPromotions,
			wantMinScore: 0.72,
			wantSource:   "rfc:esp",
		},
		{
			name: "Auto-Submitted header should classify as Other",
			input: &RuleInput{
				FromEmail: "system@company.com",
				Headers:   domain.MessageHeaders{AutoSubmitted: "auto-generated"},
			},
			wantLabel:    domain.CategoryOther,
			wantMinScore: 0.55,
			wantSource:   "rfc:auto-submitted",
		},
		{
			name: "Auto-Submitted: no is a human message",
			input: &RuleInput{
				FromEmail: "alice@company.com",
				Headers:   domain.MessageHeaders{AutoSubmitted: "no"},
			},
			wantNil: true,
		},
		{
			name:         "noreply sender should classify as Other",
			input:        &RuleInput{FromEmail: "no-reply@bank.com"},
			wantLabel:    domain.CategoryOther,
			wantMinScore: 0.45,
			wantSource:   "rfc:noreply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifier.Classify(context.Background(), tt.input)
			if tt.wantNil {
				if result != nil {
					t.Errorf("expected no result, got %+v", result)
				}
				return
			}
			if result == nil {
				t.Fatal("expected a result, got nil")
			}
			if result.Label != tt.wantLabel {
				t.Errorf("expected label %s, got %s", tt.wantLabel, result.Label)
			}
			if result.Score < tt.wantMinScore {
				t.Errorf("expected score >= %.2f, got %.2f", tt.wantMinScore, result.Score)
			}
			if result.Source != tt.wantSource {
				t.Errorf("expected source %s, got %s", tt.wantSource, result.Source)
			}
		})
	}
}

func TestDomainClassifier(t *testing.T) {
	classifier := NewDomainClassifier()

	tests := []struct {
		from      string
		wantLabel domain.Category
		wantNil   bool
	}{
		{"prof@cs.stanford.edu", domain.CategoryAcademic, false},
		{"registrar@iitb.ac.in", domain.CategoryAcademic, false},
		{"jobs-noreply@linkedin.com", domain.CategoryPlacement, false},
		{"alerts@mail.naukri.com", domain.CategoryPlacement, false},
		{"news@mcsv.net", domain.CategoryPromotions, false},
		{"friend@gmail.com", "", true},
		{"broken-address", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			result := classifier.Classify(context.Background(), &RuleInput{FromEmail: tt.from})
			if tt.wantNil {
				if result != nil {
					t.Errorf("expected no result, got %+v", result)
				}
				return
			}
			if result == nil {
				t.Fatal("expected a result, got nil")
			}
			if result.Label != tt.wantLabel {
				t.Errorf("expected label %s, got %s", tt.wantLabel, result.Label)
			}
		})
	}
}

func TestKeywordClassifier(t *testing.T) {
	classifier := NewKeywordClassifier()

	tests := []struct {
		name      string
		subject   string
		snippet   string
		wantLabel domain.Category
		wantNil   bool
	}{
		{"academic subject", "Assignment 3 due Friday", "", domain.CategoryAcademic, false},
		{"placement subject", "Interview schedule for campus drive", "", domain.CategoryPlacement, false},
		{"job offer beats promo offer", "Your job offer letter", "", domain.CategoryPlacement, false},
		{"promo in snippet", "This week only", "Flat 40% off with coupon SAVE40", domain.CategoryPromotions, false},
		{"spam phrases", "You have won the lottery", "claim your prize", domain.CategorySpam, false},
		{"no keywords", "Lunch tomorrow?", "see you at noon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifier.Classify(context.Background(), &RuleInput{Subject: tt.subject, Snippet: tt.snippet})
			if tt.wantNil {
				if result != nil {
					t.Errorf("expected no result, got %+v", result)
				}
				return
			}
			if result == nil {
				t.Fatal("expected a result, got nil")
			}
			if result.Label != tt.wantLabel {
				t.Errorf("expected label %s, got %s", tt.wantLabel, result.Label)
			}
			if result.Score > 0.80 {
				t.Errorf("expected keyword score capped at 0.80, got %.2f", result.Score)
			}
		})
	}
}

func TestPhase1Pipeline(t *testing.T) {
	pipeline := NewPhase1Pipeline(nil)

	tests := []struct {
		name           string
		input          *RuleInput
		wantLabel      domain.Category
		wantSource     string
		wantConfidence float64
	}{
		{
			name:       "domain beats weaker keyword match",
			input:      &RuleInput{FromEmail: "prof@cs.stanford.edu", Subject: "Assignment 3"},
			wantLabel:  domain.CategoryAcademic,
			wantSource: "domain:academic",
		},
		{
			name:       "job board beats noreply sender",
			input:      &RuleInput{FromEmail: "jobs-noreply@linkedin.com", Subject: "New interview invite"},
			wantLabel:  domain.CategoryPlacement,
			wantSource: "domain:job-board",
		},
		{
			name: "junk precedence exits early",
			input: &RuleInput{
				FromEmail: "prof@cs.stanford.edu",
				Headers:   domain.MessageHeaders{Precedence: "junk"},
			},
			wantLabel:  domain.CategorySpam,
			wantSource: "rfc:precedence-junk",
		},
		{
			name:           "no signals falls back to Other",
			input:          &RuleInput{FromEmail: "friend@gmail.com", Subject: "Lunch tomorrow?"},
			wantLabel:      domain.CategoryOther,
			wantSource:     "default",
			wantConfidence: 0.30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := pipeline.Classify(context.Background(), tt.input)
			if cls.Label != tt.wantLabel {
				t.Errorf("expected label %s, got %s", tt.wantLabel, cls.Label)
			}
			if cls.Source != tt.wantSource {
				t.Errorf("expected source %s, got %s", tt.wantSource, cls.Source)
			}
			if cls.Phase != domain.PhaseHeuristic {
				t.Errorf("expected phase 1, got %d", cls.Phase)
			}
			if tt.wantConfidence > 0 && cls.Confidence != tt.wantConfidence {
				t.Errorf("expected confidence %.2f, got %.2f", tt.wantConfidence, cls.Confidence)
			}
		})
	}
}
