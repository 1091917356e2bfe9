// Package scoring implements out.ScoringService against the phase-2 model
// service, with an OpenAI fallback.
package scoring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/resilience"
)

const maxErrorBody = 4 << 10

var errNotConfigured = errors.New("model service URL not configured")

// ModelClient talks to the model service (`POST /predict/batch`, `GET /health`).
type ModelClient struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewModelClient(baseURL string, timeout time.Duration) *ModelClient {
	return &ModelClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(httputil.ScoringClientConfig(timeout)),
		cb:      resilience.NewBreaker(resilience.DefaultBreakerConfig("model-service")),
	}
}

func (c *ModelClient) Name() string { return "model" }

type batchRequest struct {
	Emails []domain.ScoringInput `json:"emails"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Score sends the whole batch in one request. Any transport or server failure
// is ClassificationUnavailable; the dispatcher requeues the batch.
func (c *ModelClient) Score(ctx context.Context, batch []domain.ScoringInput) ([]domain.Score, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batchRequest{Emails: batch})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	scores, err := resilience.Execute(c.cb, func() ([]domain.Score, error) {
		var scores []domain.Score
		if err := c.do(ctx, http.MethodPost, "/predict/batch", body, &scores); err != nil {
			return nil, err
		}
		return scores, nil
	})
	if err != nil {
		return nil, unavailable("model.score", err)
	}
	if len(scores) != len(batch) {
		return nil, unavailable("model.score", fmt.Errorf("model returned %d scores for %d inputs", len(scores), len(batch)))
	}
	return scores, nil
}

func (c *ModelClient) Health(ctx context.Context) (*out.ScorerHealth, error) {
	health := &out.ScorerHealth{Service: c.Name(), CheckedAt: time.Now().UTC()}

	var resp healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, unavailable("model.health", err)
	}
	health.Version = resp.Version
	health.ModelLoaded = resp.ModelLoaded
	health.Available = resp.ModelLoaded && strings.EqualFold(resp.Status, "ok")
	return health, nil
}

func (c *ModelClient) do(ctx context.Context, method, path string, body []byte, dst any) error {
	if c.baseURL == "" {
		return resilience.PassThrough(errNotConfigured)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			// caller error; keep the breaker closed
			return resilience.PassThrough(err)
		}
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// unavailable wraps err as ClassificationUnavailable unless it is a
// cancellation, which must stay fatal.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewSyncError(domain.ErrClassClassificationUnavailable, op,
		fmt.Errorf("%w: %w", domain.ErrScorerUnavailable, err))
}

var _ out.ScoringService = (*ModelClient)(nil)
