package bootstrap

import (
	"testing"

	"mailsync_server/config"
)

func TestNewScorer_Selection(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		apiKey string
		want   string
	}{
		{"model only", "http://model:8000", "", "model"},
		{"openai only", "", "sk-test", "openai:gpt-4o-mini"},
		{"model with fallback", "http://model:8000", "sk-test", "model|openai:gpt-4o-mini"},
		{"nothing configured", "", "", "model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{ClassifierURL: tt.url, OpenAIAPIKey: tt.apiKey, OpenAIModel: "gpt-4o-mini"}
			if got := newScorer(cfg).Name(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryPolicy_UsesConfiguredAttempts(t *testing.T) {
	policy := retryPolicy(&config.Config{SyncTransientAttempts: 2, SyncRateLimitAttempts: 5})
	if policy.Transient.Attempts != 2 {
		t.Errorf("expected 2 transient attempts, got %d", policy.Transient.Attempts)
	}
	if policy.RateLimited.Attempts != 5 {
		t.Errorf("expected 5 rate-limited attempts, got %d", policy.RateLimited.Attempts)
	}

	def := retryPolicy(&config.Config{})
	if def.Transient.Attempts != 4 {
		t.Errorf("expected default 4 transient attempts, got %d", def.Transient.Attempts)
	}
}
