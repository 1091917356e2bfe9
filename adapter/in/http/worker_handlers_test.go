package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/infra/middleware"
)

const testSecret = "handler-secret"

// =============================================================================
// Fakes
// =============================================================================

type stubSink struct {
	notes   []mailsync.Notification
	outcome mailsync.IntakeOutcome
	err     error
}

func (s *stubSink) Accept(ctx context.Context, note mailsync.Notification, source string) (mailsync.IntakeOutcome, error) {
	s.notes = append(s.notes, note)
	return s.outcome, s.err
}

type stubControl struct {
	startErr error
	forceErr error
	synced   int
	stopped  []uuid.UUID
	since    uint64
}

func (s *stubControl) StartSync(ctx context.Context, ownerID uuid.UUID) (*in.StartSyncResult, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &in.StartSyncResult{Mode: domain.SyncModeFull, Queued: true, WatchActive: true}, nil
}

func (s *stubControl) StopSync(ctx context.Context, ownerID uuid.UUID) error {
	s.stopped = append(s.stopped, ownerID)
	return nil
}

func (s *stubControl) GetSyncStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error) {
	return domain.NewSyncStatus(ownerID), nil
}

func (s *stubControl) ForceSync(ctx context.Context, ownerID uuid.UUID) (int, error) {
	return s.synced, s.forceErr
}

func (s *stubControl) ChangesSince(ctx context.Context, ownerID uuid.UUID, cursor uint64, limit int) (*in.ChangeSnapshot, error) {
	s.since = cursor
	return &in.ChangeSnapshot{Messages: []*domain.Message{}, Cursor: cursor}, nil
}

type stubReclassifier struct {
	calls []in.ReclassifyOptions
}

func (r *stubReclassifier) ReclassifyAll(ctx context.Context, ownerID uuid.UUID, opts in.ReclassifyOptions) (*domain.ReclassificationRun, error) {
	r.calls = append(r.calls, opts)
	return &domain.ReclassificationRun{ID: "run-1", OwnerID: ownerID, DryRun: opts.DryRun}, nil
}

func (r *stubReclassifier) Rollback(ctx context.Context, ownerID uuid.UUID, backupID string) (*domain.RollbackStats, error) {
	return &domain.RollbackStats{BackupID: backupID, Restored: 3}, nil
}

type stubReclassifyQueue struct {
	jobs []*messaging.ReclassifyJob
}

func (q *stubReclassifyQueue) EnqueueReclassify(ctx context.Context, job *messaging.ReclassifyJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type stubStates struct {
	states map[string]uuid.UUID
}

func (s *stubStates) StoreState(ctx context.Context, state string, ownerID uuid.UUID, ttl time.Duration) error {
	s.states[state] = ownerID
	return nil
}

func (s *stubStates) ConsumeState(ctx context.Context, state string) (uuid.UUID, error) {
	owner, ok := s.states[state]
	if !ok {
		return uuid.Nil, persistence.ErrInvalidState
	}
	delete(s.states, state)
	return owner, nil
}

type stubFlow struct {
	connected uuid.UUID
}

func (f *stubFlow) AuthURL(state string) (string, error) {
	return "https://accounts.example.com/auth?state=" + state, nil
}

func (f *stubFlow) HandleCallback(ctx context.Context, code string, ownerID uuid.UUID) (*domain.Account, error) {
	f.connected = ownerID
	return &domain.Account{OwnerID: ownerID, Email: "student@example.edu", Connected: true}, nil
}

func (f *stubFlow) Disconnect(ctx context.Context, ownerID uuid.UUID) error { return nil }

// =============================================================================
// Helpers
// =============================================================================

func newTestApp() (*fiber.App, fiber.Router) {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	return app, app.Group("/api/v1", middleware.JWTAuth(testSecret))
}

func do(t *testing.T, app *fiber.App, method, url string, owner uuid.UUID, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != uuid.Nil {
		token, err := middleware.IssueOwnerToken(testSecret, owner, "api", time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded
}

func pushBody(t *testing.T, payload string) string {
	t.Helper()
	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString([]byte(payload)),
			"messageId": "1",
		},
		"subscription": "projects/p/subscriptions/gmail",
	}
	b, _ := json.Marshal(envelope)
	return string(b)
}

// =============================================================================
// Webhook
// =============================================================================

func TestWebhookHandler_GmailWebhook(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sinkErr  error
		status   int
		accepted int
	}{
		{"valid notification", pushBody(t, `{"emailAddress":"student@example.edu","historyId":555}`), nil, 200, 1},
		{"not json", "garbage", nil, 200, 0},
		{"bad base64", `{"message":{"data":"%%%"}}`, nil, 200, 0},
		{"bad payload", pushBody(t, `[1,2]`), nil, 200, 0},
		{"enqueue failure", pushBody(t, `{"emailAddress":"student@example.edu","historyId":556}`), errors.New("redis down"), 503, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &stubSink{outcome: mailsync.IntakeQueued, err: tt.sinkErr}
			h := NewWebhookHandler(sink)
			app, _ := newTestApp()
			h.Register(app)

			status, _ := do(t, app, "POST", "/webhook/gmail", uuid.Nil, tt.body)
			if status != tt.status {
				t.Errorf("expected %d, got %d", tt.status, status)
			}
			if len(sink.notes) != tt.accepted {
				t.Fatalf("expected %d accepted notifications, got %d", tt.accepted, len(sink.notes))
			}
			if tt.accepted == 1 && sink.notes[0].EmailAddress != "student@example.edu" {
				t.Errorf("expected decoded address, got %q", sink.notes[0].EmailAddress)
			}
		})
	}
}

func TestWebhookHandler_Metrics(t *testing.T) {
	sink := &stubSink{outcome: mailsync.IntakeDuplicate}
	h := NewWebhookHandler(sink)
	app, _ := newTestApp()
	h.Register(app)

	do(t, app, "POST", "/webhook/gmail", uuid.Nil, pushBody(t, `{"emailAddress":"a@b.c","historyId":1}`))
	do(t, app, "POST", "/webhooks/gmail", uuid.Nil, "garbage")

	m := h.GetMetrics()
	if m.Received != 2 || m.Duplicates != 1 || m.Malformed != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

// =============================================================================
// Sync control
// =============================================================================

func TestSyncHandler_Routes(t *testing.T) {
	owner := uuid.New()
	control := &stubControl{synced: 7}
	app, api := newTestApp()
	NewSyncHandler(control, control, nil).Register(api)

	status, body := do(t, app, "POST", "/api/v1/sync/"+owner.String()+"/start", owner, "")
	if status != 202 {
		t.Fatalf("expected 202, got %d", status)
	}
	data := body["data"].(map[string]any)
	if data["mode"] != "full" || data["watch_active"] != true {
		t.Errorf("unexpected start result %v", data)
	}

	status, body = do(t, app, "POST", "/api/v1/sync/"+owner.String()+"/force", owner, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["data"].(map[string]any)["synced"] != float64(7) {
		t.Errorf("expected synced 7, got %v", body["data"])
	}

	status, _ = do(t, app, "POST", "/api/v1/sync/"+owner.String()+"/stop", owner, "")
	if status != 200 || len(control.stopped) != 1 || control.stopped[0] != owner {
		t.Errorf("expected stop for owner, got %d %v", status, control.stopped)
	}

	status, _ = do(t, app, "GET", "/api/v1/sync/"+owner.String()+"/changes?since=1200", owner, "")
	if status != 200 || control.since != 1200 {
		t.Errorf("expected changes since 1200, got %d/%d", status, control.since)
	}
}

func TestSyncHandler_Errors(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name    string
		control *stubControl
		method  string
		path    string
		caller  uuid.UUID
		status  int
		code    string
	}{
		{"auth expired", &stubControl{forceErr: domain.NewSyncError(domain.ErrClassAuthExpired, "refresh", errors.New("invalid_grant"))}, "POST", "/force", owner, 401, "TOKEN_EXPIRED"},
		{"rate limited", &stubControl{forceErr: domain.NewSyncError(domain.ErrClassRateLimited, "list", errors.New("429"))}, "POST", "/force", owner, 429, "RATE_LIMITED"},
		{"unknown account", &stubControl{startErr: domain.ErrAccountNotFound}, "POST", "/start", owner, 404, ""},
		{"other owner", &stubControl{}, "POST", "/start", uuid.New(), 403, ""},
		{"anonymous", &stubControl{}, "GET", "/status", uuid.Nil, 401, ""},
		{"bad cursor", &stubControl{}, "GET", "/changes?since=-1", owner, 400, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, api := newTestApp()
			NewSyncHandler(tt.control, tt.control, nil).Register(api)

			status, body := do(t, app, tt.method, "/api/v1/sync/"+owner.String()+tt.path, tt.caller, "")
			if status != tt.status {
				t.Fatalf("expected %d, got %d (%v)", tt.status, status, body)
			}
			if tt.code != "" {
				errBody, _ := body["error"].(map[string]any)
				if errBody["code"] != tt.code {
					t.Errorf("expected code %s, got %v", tt.code, errBody["code"])
				}
			}
		})
	}
}

// =============================================================================
// Classification
// =============================================================================

func TestClassificationHandler_Reclassify(t *testing.T) {
	owner := uuid.New()
	url := "/api/v1/classification/" + owner.String() + "/reclassify"

	tests := []struct {
		name   string
		body   string
		status int
		inline int
		queued int
	}{
		{"dry run inline", `{"dry_run":true,"confidence_threshold":0.5}`, 200, 1, 0},
		{"real run queued", `{"batch_size":50,"confidence_threshold":0.6}`, 202, 0, 1},
		{"empty body queued", "", 202, 0, 1},
		{"threshold out of range", `{"confidence_threshold":1.5}`, 400, 0, 0},
		{"negative batch", `{"batch_size":-1}`, 400, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reclassifier := &stubReclassifier{}
			queue := &stubReclassifyQueue{}
			app, api := newTestApp()
			NewClassificationHandler(nil, reclassifier, queue).Register(api)

			status, _ := do(t, app, "POST", url, owner, tt.body)
			if status != tt.status {
				t.Errorf("expected %d, got %d", tt.status, status)
			}
			if len(reclassifier.calls) != tt.inline {
				t.Errorf("expected %d inline runs, got %d", tt.inline, len(reclassifier.calls))
			}
			if len(queue.jobs) != tt.queued {
				t.Fatalf("expected %d queued jobs, got %d", tt.queued, len(queue.jobs))
			}
			if tt.queued == 1 && queue.jobs[0].OwnerID != owner.String() {
				t.Errorf("expected job for %s, got %s", owner, queue.jobs[0].OwnerID)
			}
		})
	}
}

func TestClassificationHandler_Rollback(t *testing.T) {
	owner := uuid.New()
	app, api := newTestApp()
	NewClassificationHandler(nil, &stubReclassifier{}, nil).Register(api)

	status, body := do(t, app, "POST", "/api/v1/classification/"+owner.String()+"/rollback/bk-1", owner, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	data := body["data"].(map[string]any)
	if data["backup_id"] != "bk-1" {
		t.Errorf("expected backup bk-1, got %v", data)
	}
}

// =============================================================================
// OAuth
// =============================================================================

func TestOAuthHandler_ConnectAndCallback(t *testing.T) {
	owner := uuid.New()
	states := &stubStates{states: make(map[string]uuid.UUID)}
	flow := &stubFlow{}
	app, api := newTestApp()
	NewOAuthHandler(flow, states).Register(app, api)

	status, body := do(t, app, "GET", "/api/v1/oauth/"+owner.String()+"/connect", owner, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	state, _ := body["data"].(map[string]any)["state"].(string)
	if len(state) != 64 {
		t.Fatalf("expected 64-char state, got %q", state)
	}

	status, _ = do(t, app, "GET", "/oauth/google/callback?code=abc&state="+state, uuid.Nil, "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if flow.connected != owner {
		t.Errorf("expected callback for %s, got %s", owner, flow.connected)
	}

	// state is one-shot
	status, _ = do(t, app, "GET", "/oauth/google/callback?code=abc&state="+state, uuid.Nil, "")
	if status != 400 {
		t.Errorf("expected 400 on replay, got %d", status)
	}
}

func TestOAuthHandler_CallbackValidation(t *testing.T) {
	app, api := newTestApp()
	NewOAuthHandler(&stubFlow{}, &stubStates{states: map[string]uuid.UUID{}}).Register(app, api)

	tests := []struct {
		name  string
		query string
	}{
		{"provider error", "?error=access_denied"},
		{"missing code", "?state=abc"},
		{"unknown state", "?code=abc&state=nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, app, "GET", "/oauth/google/callback"+tt.query, uuid.Nil, "")
			if status != 400 {
				t.Errorf("expected 400, got %d", status)
			}
		})
	}
}

// =============================================================================
// SSE
// =============================================================================

func TestPumpEvents(t *testing.T) {
	events := make(chan *domain.Event, 2)
	events <- &domain.Event{ID: "e1", Type: domain.EventEmailSynced, Seq: 1, Data: map[string]int{"count": 2}, Timestamp: time.Now()}
	events <- &domain.Event{ID: "e2", Type: domain.EventCategoryUpdated, Seq: 2, Timestamp: time.Now()}
	close(events)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := pumpEvents(w, events, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	first := strings.Index(out, "event: email_synced")
	second := strings.Index(out, "event: category_updated")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected both events in order, got %q", out)
	}
	if !strings.Contains(out, "id: e1\n") || !strings.Contains(out, `"seq":2`) {
		t.Errorf("expected ids and sequence numbers, got %q", out)
	}
}

func TestPumpEvents_Heartbeat(t *testing.T) {
	events := make(chan *domain.Event)
	beats := make(chan time.Time, 1)
	beats <- time.Now()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	done := make(chan error, 1)
	go func() { done <- pumpEvents(w, events, beats) }()

	time.Sleep(20 * time.Millisecond)
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), ": heartbeat\n\n") {
		t.Errorf("expected heartbeat comment, got %q", buf.String())
	}
}
