package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/resilience"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"
	maxPromptBody      = 600
)

// OpenAIConfig configures the LLM fallback scorer.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // override for proxies and tests
}

// OpenAIScorer classifies a batch with one chat completion in JSON mode.
type OpenAIScorer struct {
	client *openai.Client
	model  string
	labels []domain.Category
	cb     *gobreaker.CircuitBreaker
}

func NewOpenAIScorer(cfg OpenAIConfig) *OpenAIScorer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.HTTPClient = httputil.NewClient(httputil.OpenAIClientConfig())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIScorer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		labels: domain.DefaultCategories,
		cb:     resilience.NewBreaker(resilience.DefaultBreakerConfig("openai-scorer")),
	}
}

func (s *OpenAIScorer) Name() string { return "openai:" + s.model }

type llmResult struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type llmResponse struct {
	Results []llmResult `json:"results"`
}

func (s *OpenAIScorer) Score(ctx context.Context, batch []domain.ScoringInput) ([]domain.Score, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	content, err := resilience.Execute(s.cb, func() (string, error) {
		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: s.model,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: s.systemPrompt()},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt(batch)},
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("empty completion")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return nil, unavailable("openai.score", err)
	}

	var parsed llmResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, unavailable("openai.score", fmt.Errorf("decode completion: %w", err))
	}
	return s.align(parsed, len(batch)), nil
}

// align maps results back onto input positions. Missing or unknown labels
// become per-item errors rather than failing the batch.
func (s *OpenAIScorer) align(parsed llmResponse, n int) []domain.Score {
	scores := make([]domain.Score, n)
	for i := range scores {
		scores[i].Error = "no result"
	}
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= n {
			continue
		}
		label, ok := s.matchLabel(r.Label)
		if !ok {
			scores[r.Index] = domain.Score{Error: fmt.Sprintf("unknown label %q", r.Label)}
			continue
		}
		conf := domain.ClampConfidence(r.Confidence)
		scores[r.Index] = domain.Score{
			Label:      label,
			Confidence: conf,
			Scores:     map[string]float64{string(label): conf},
		}
	}
	return scores
}

func (s *OpenAIScorer) matchLabel(v string) (domain.Category, bool) {
	for _, l := range s.labels {
		if strings.EqualFold(string(l), strings.TrimSpace(v)) {
			return l, true
		}
	}
	return "", false
}

// Health lists models; it does not spend completion tokens.
func (s *OpenAIScorer) Health(ctx context.Context) (*out.ScorerHealth, error) {
	if _, err := s.client.ListModels(ctx); err != nil {
		return nil, unavailable("openai.health", err)
	}
	return &out.ScorerHealth{
		Service:     s.Name(),
		Available:   true,
		ModelLoaded: true,
		CheckedAt:   time.Now().UTC(),
	}, nil
}

func (s *OpenAIScorer) systemPrompt() string {
	labels := make([]string, len(s.labels))
	for i, l := range s.labels {
		labels[i] = string(l)
	}
	return "You classify emails for a student mailbox. Allowed labels: " + strings.Join(labels, ", ") + `.
Reply with JSON only: {"results":[{"index":0,"label":"<label>","confidence":0.0-1.0}, ...]} with one entry per email.`
}

func userPrompt(batch []domain.ScoringInput) string {
	var sb strings.Builder
	for i, in := range batch {
		body := in.Body
		if len(body) > maxPromptBody {
			body = body[:maxPromptBody]
		}
		fmt.Fprintf(&sb, "[%d] Subject: %s\n%s\n\n", i, in.Subject, body)
	}
	return sb.String()
}

var _ out.ScoringService = (*OpenAIScorer)(nil)
