package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *GmailAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmailAdapter(&GmailConfig{Endpoint: srv.URL + "/"}, nil)
}

func testToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func metadataMessage(id string, historyID uint64, subject string) *gmail.Message {
	return &gmail.Message{
		Id:        id,
		ThreadId:  "t-" + id,
		HistoryId: historyID,
		LabelIds:  []string{"INBOX"},
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
			{Name: "Subject", Value: subject},
			{Name: "From", Value: "Career Office <Jobs@Example.EDU>"},
		}},
	}
}

func TestGmailAdapter_ListHistory_Flattens(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/history"):
			writeJSON(w, &gmail.ListHistoryResponse{
				HistoryId: 130,
				History: []*gmail.History{
					{Id: 101, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "m1"}}}},
					{Id: 102, LabelsAdded: []*gmail.HistoryLabelAdded{{Message: &gmail.Message{Id: "m1"}}}},
					{Id: 103, MessagesDeleted: []*gmail.HistoryMessageDeleted{{Message: &gmail.Message{Id: "m0"}}}},
					{Id: 104, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "gone"}}}},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/messages/m1"):
			writeJSON(w, metadataMessage("m1", 102, "Internship offer"))
		case strings.HasSuffix(r.URL.Path, "/messages/gone"):
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	page, err := adapter.ListHistory(context.Background(), testToken(), 100, "", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.LastHistoryID != 104 {
		t.Errorf("expected last history id 104, got %d", page.LastHistoryID)
	}
	if page.HistoryID != 130 {
		t.Errorf("expected mailbox history id 130, got %d", page.HistoryID)
	}
	if len(page.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(page.Changes))
	}

	up := page.Changes[0]
	if up.Kind != out.ChangeUpsert || up.ProviderID != "m1" || up.HistoryID != 102 {
		t.Errorf("unexpected first change %+v", up)
	}
	if up.Message == nil || up.Message.Subject != "Internship offer" {
		t.Fatalf("expected fetched metadata for m1, got %+v", up.Message)
	}
	if up.Message.FromEmail != "jobs@example.edu" || up.Message.FromName != "Career Office" {
		t.Errorf("expected parsed sender, got %q <%q>", up.Message.FromName, up.Message.FromEmail)
	}

	del := page.Changes[1]
	if del.Kind != out.ChangeDelete || del.ProviderID != "m0" {
		t.Errorf("unexpected second change %+v", del)
	}
}

func TestGmailAdapter_ListHistory_ExpiredCursor(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 404, "message": "Requested entity was not found."}})
	})

	_, err := adapter.ListHistory(context.Background(), testToken(), 1, "", 50)
	if !out.IsSyncRequired(err) {
		t.Fatalf("expected sync required, got %v", err)
	}
}

func TestGmailAdapter_ListMessages_FetchFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantClass  domain.ErrorClass // empty: page is returned
		wantIDs    []string
		wantFailed int
	}{
		{"server error fails the page", http.StatusServiceUnavailable, domain.ErrClassTransient, nil, 0},
		{"rate limit fails the page", http.StatusTooManyRequests, domain.ErrClassRateLimited, nil, 0},
		{"deleted message is skipped", http.StatusNotFound, "", []string{"a", "c"}, 0},
		{"rejected id is counted", http.StatusBadRequest, "", []string{"a", "c"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case strings.HasSuffix(r.URL.Path, "/messages"):
					writeJSON(w, &gmail.ListMessagesResponse{
						Messages:      []*gmail.Message{{Id: "a"}, {Id: "b"}, {Id: "c"}},
						NextPageToken: "next",
					})
				case strings.HasSuffix(r.URL.Path, "/messages/b"):
					w.WriteHeader(tt.status)
				default:
					id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
					writeJSON(w, metadataMessage(id, 10, "subject "+id))
				}
			})

			page, err := adapter.ListMessages(context.Background(), testToken(), "", 3)
			if tt.wantClass != "" {
				if err == nil {
					t.Fatalf("expected %s error, got page %+v", tt.wantClass, page)
				}
				if got := domain.ClassOf(err); got != tt.wantClass {
					t.Errorf("expected class %s, got %s (%v)", tt.wantClass, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(page.Messages) != len(tt.wantIDs) {
				t.Fatalf("expected %d messages, got %d", len(tt.wantIDs), len(page.Messages))
			}
			for i, id := range tt.wantIDs {
				if page.Messages[i].ProviderID != id {
					t.Errorf("expected message %d to be %s, got %s", i, id, page.Messages[i].ProviderID)
				}
			}
			if page.Failed != tt.wantFailed {
				t.Errorf("expected %d failed, got %d", tt.wantFailed, page.Failed)
			}
			if page.NextPageToken != "next" {
				t.Errorf("expected next page token, got %q", page.NextPageToken)
			}
		})
	}
}

func TestGmailAdapter_ListHistory_TransientFetchFailsPage(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/history"):
			writeJSON(w, &gmail.ListHistoryResponse{
				HistoryId: 6000,
				History: []*gmail.History{{
					Id:            5500,
					MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "new1"}}},
				}},
			})
		case strings.HasSuffix(r.URL.Path, "/messages/new1"):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	page, err := adapter.ListHistory(context.Background(), testToken(), 5000, "", 50)
	if err == nil {
		t.Fatalf("expected error, got page with %d changes", len(page.Changes))
	}
	if domain.ClassOf(err) != domain.ErrClassTransient {
		t.Errorf("expected transient, got %s (%v)", domain.ClassOf(err), err)
	}
}

func TestGmailAdapter_WrapError(t *testing.T) {
	a := &GmailAdapter{}
	tests := []struct {
		name  string
		err   error
		class domain.ErrorClass
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, domain.ErrClassAuthExpired},
		{"rate limited", &googleapi.Error{Code: 429}, domain.ErrClassRateLimited},
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, domain.ErrClassRateLimited},
		{"forbidden", &googleapi.Error{Code: 403}, domain.ErrClassAuthExpired},
		{"server", &googleapi.Error{Code: 503}, domain.ErrClassTransient},
		{"bad request", &googleapi.Error{Code: 400}, domain.ErrClassDataIntegrity},
		{"revoked grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, domain.ErrClassAuthExpired},
		{"network", errors.New("connection reset"), domain.ErrClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.ClassOf(a.wrapError(tt.err, "op failed"))
			if got != tt.class {
				t.Errorf("expected %s, got %s", tt.class, got)
			}
		})
	}
}

func TestGmailAdapter_RetryAfterHeader(t *testing.T) {
	a := &GmailAdapter{}
	apiErr := &googleapi.Error{Code: 429, Header: http.Header{"Retry-After": []string{"7"}}}

	pe, ok := out.AsProviderError(a.wrapError(apiErr, "op"))
	if !ok {
		t.Fatal("expected provider error")
	}
	if pe.RetryAfter.Seconds() != 7 {
		t.Errorf("expected 7s retry-after, got %v", pe.RetryAfter)
	}
}

func TestConvertMessage_Headers(t *testing.T) {
	msg := &gmail.Message{
		Id:           "x1",
		Snippet:      "hello",
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
			{Name: "List-Unsubscribe", Value: "<mailto:u@shop.com>"},
			{Name: "precedence", Value: "bulk"},
			{Name: "Feedback-ID", Value: "1:camp:esp"},
			{Name: "From", Value: "noreply@shop.com"},
		}},
	}

	pm := convertMessage(msg)
	if pm.Headers.ListUnsubscribe == "" || pm.Headers.Precedence != "bulk" || pm.Headers.FeedbackID == "" {
		t.Errorf("expected classification headers, got %+v", pm.Headers)
	}
	if pm.FromEmail != "noreply@shop.com" {
		t.Errorf("expected bare address, got %q", pm.FromEmail)
	}
	if pm.Date.IsZero() {
		t.Error("expected internal date to be used")
	}
}
