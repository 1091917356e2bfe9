// Package provider implements the Gmail mail provider adapter.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/resilience"
)

const providerName = "gmail"

// =============================================================================
// Gmail Metadata Headers
// =============================================================================

// gmailMetadataHeaders are requested with Format("metadata"); the body is
// never fetched.
var gmailMetadataHeaders = []string{
	"From", "Subject", "Date",

	// RFC classification headers (phase 1)
	"List-Unsubscribe", // RFC 2369
	"List-Id",          // RFC 2919
	"Precedence",       // bulk, list, junk
	"Auto-Submitted",   // RFC 3834
	"X-Mailer",
	"Feedback-ID",
}

var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

const (
	maxFetchConcurrency = 10
	perMessageTimeout   = 15 * time.Second
	serviceTimeout      = 30 * time.Second
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProvider and out.OAuthExchanger.
type GmailAdapter struct {
	config     *oauth2.Config
	endpoint   string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	limiter    *ratelimit.KeyedLimiter
}

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     string // API base URL override (emulators, tests)
}

// NewGmailAdapter creates a new Gmail adapter. limiter may be nil.
func NewGmailAdapter(cfg *GmailConfig, limiter *ratelimit.KeyedLimiter) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}

	return &GmailAdapter{
		config:     config,
		endpoint:   cfg.Endpoint,
		httpClient: httputil.NewClient(httputil.GmailClientConfig()),
		cb:         resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api")),
		limiter:    limiter,
	}
}

// =============================================================================
// Authentication
// =============================================================================

// AuthCodeURL returns the consent URL. Offline access with forced approval
// so Google always returns a refresh token.
func (a *GmailAdapter) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *GmailAdapter) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := a.config.Exchange(a.withClient(ctx), code)
	if err != nil {
		return nil, a.wrapError(err, "failed to exchange token")
	}
	return token, nil
}

// RefreshToken forces a refresh regardless of the stored expiry.
func (a *GmailAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, out.NewProviderError(providerName, out.ProviderErrAuth, "no refresh token", nil, false)
	}
	stale := &oauth2.Token{RefreshToken: token.RefreshToken, Expiry: time.Unix(1, 0)}
	fresh, err := a.config.TokenSource(a.withClient(ctx), stale).Token()
	if err != nil {
		return nil, a.wrapError(err, "failed to refresh token")
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	return fresh, nil
}

func (a *GmailAdapter) ProfileEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	profile, err := a.getProfile(ctx, token)
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

// =============================================================================
// Watch
// =============================================================================

func (a *GmailAdapter) Watch(ctx context.Context, token *oauth2.Token, topic string) (*out.WatchResponse, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{domain.LabelInbox},
	}
	resp, err := call(ctx, a, token, "Watch", func() (*gmail.WatchResponse, error) {
		return svc.Users.Watch("me", req).Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to setup watch")
	}

	return &out.WatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

func (a *GmailAdapter) StopWatch(ctx context.Context, token *oauth2.Token) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}
	_, err = call(ctx, a, token, "StopWatch", func() (struct{}, error) {
		return struct{}{}, svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return a.wrapError(err, "failed to stop watch")
	}
	return nil
}

// =============================================================================
// Sync
// =============================================================================

func (a *GmailAdapter) CurrentCursor(ctx context.Context, token *oauth2.Token) (uint64, error) {
	profile, err := a.getProfile(ctx, token)
	if err != nil {
		return 0, err
	}
	return profile.HistoryId, nil
}

func (a *GmailAdapter) ListMessages(ctx context.Context, token *oauth2.Token, pageToken string, pageSize int) (*out.MessagePage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	req := svc.Users.Messages.List("me").MaxResults(int64(pageSize))
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}
	resp, err := call(ctx, a, token, "ListMessages", func() (*gmail.ListMessagesResponse, error) {
		return req.Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list messages")
	}

	ids := make([]string, len(resp.Messages))
	for i, m := range resp.Messages {
		ids[i] = m.Id
	}
	fetched, err := a.fetchMessagesParallel(ctx, svc, token, ids)
	if err != nil {
		return nil, err
	}

	page := &out.MessagePage{NextPageToken: resp.NextPageToken}
	for _, r := range fetched {
		switch {
		case isNotFound(r.err):
			// deleted between list and fetch
			continue
		case r.err != nil:
			page.Failed++
			continue
		}
		page.Messages = append(page.Messages, r.msg)
	}
	return page, nil
}

// ListHistory returns one page of changes after startCursor, flattened in
// provider order. Added and relabeled messages are fetched once per page.
func (a *GmailAdapter) ListHistory(ctx context.Context, token *oauth2.Token, startCursor uint64, pageToken string, pageSize int) (*out.HistoryPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	req := svc.Users.History.List("me").
		StartHistoryId(startCursor).
		HistoryTypes(historyTypes...).
		MaxResults(int64(pageSize))
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}
	resp, err := call(ctx, a, token, "ListHistory", func() (*gmail.ListHistoryResponse, error) {
		return req.Context(ctx).Do()
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "history cursor expired, full sync required", err, false)
		}
		return nil, a.wrapError(err, "failed to list history")
	}

	page := &out.HistoryPage{
		NextPageToken: resp.NextPageToken,
		HistoryID:     resp.HistoryId,
	}

	// 1. flatten; upserts of the same message collapse to the first position
	seen := make(map[string]int)
	var toFetch []string
	for _, h := range resp.History {
		if h.Id > page.LastHistoryID {
			page.LastHistoryID = h.Id
		}
		for _, ref := range upsertRefs(h) {
			if ref == nil || ref.Id == "" {
				continue
			}
			if idx, ok := seen[ref.Id]; ok {
				page.Changes[idx].HistoryID = h.Id
				continue
			}
			seen[ref.Id] = len(page.Changes)
			toFetch = append(toFetch, ref.Id)
			page.Changes = append(page.Changes, &out.MessageChange{
				Kind:       out.ChangeUpsert,
				HistoryID:  h.Id,
				ProviderID: ref.Id,
			})
		}
		for _, del := range h.MessagesDeleted {
			if del.Message == nil {
				continue
			}
			delete(seen, del.Message.Id)
			page.Changes = append(page.Changes, &out.MessageChange{
				Kind:       out.ChangeDelete,
				HistoryID:  h.Id,
				ProviderID: del.Message.Id,
			})
		}
	}

	// 2. fetch current metadata for every upserted message
	fetched, err := a.fetchMessagesParallel(ctx, svc, token, toFetch)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]fetchResult, len(fetched))
	for _, r := range fetched {
		byID[r.id] = r
	}

	changes := page.Changes[:0]
	for _, ch := range page.Changes {
		if ch.Kind == out.ChangeUpsert {
			r := byID[ch.ProviderID]
			if isNotFound(r.err) {
				// deleted after the change was recorded; its delete entry follows
				continue
			}
			if r.err == nil {
				ch.Message = r.msg
			}
		}
		changes = append(changes, ch)
	}
	page.Changes = changes
	return page, nil
}

func upsertRefs(h *gmail.History) []*gmail.Message {
	var refs []*gmail.Message
	for _, m := range h.MessagesAdded {
		refs = append(refs, m.Message)
	}
	for _, m := range h.LabelsAdded {
		refs = append(refs, m.Message)
	}
	for _, m := range h.LabelsRemoved {
		refs = append(refs, m.Message)
	}
	return refs
}

type fetchResult struct {
	id  string
	msg *out.ProviderMessage
	err error
}

// fetchMessagesParallel fetches metadata for ids with a concurrency limit.
// Results keep the input order. Only DataIntegrity failures (not found,
// rejected id) stay per message; any other failure fails the whole page so
// the caller retries it instead of skipping the message.
// 최적화: Format("metadata")로 본문 제외
func (a *GmailAdapter) fetchMessagesParallel(ctx context.Context, svc *gmail.Service, token *oauth2.Token, ids []string) ([]fetchResult, error) {
	if len(ids) == 0 {
		return nil, ctx.Err()
	}

	results := make([]fetchResult, len(ids))
	done := make(chan struct{}, len(ids))
	sem := make(chan struct{}, maxFetchConcurrency)

	for i, id := range ids {
		go func(idx int, id string) {
			defer func() { done <- struct{}{} }()
			results[idx].id = id

			// 세마포어 획득 (context 취소 시 빠른 종료)
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx].err = ctx.Err()
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			raw, err := call(msgCtx, a, token, "GetMessage", func() (*gmail.Message, error) {
				return svc.Users.Messages.Get("me", id).
					Format("metadata").
					MetadataHeaders(gmailMetadataHeaders...).
					Context(msgCtx).Do()
			})
			if err != nil {
				results[idx].err = a.wrapError(err, "failed to get message")
				return
			}
			results[idx].msg = convertMessage(raw)
		}(i, id)
	}

	for range ids {
		<-done
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if domain.ClassOf(r.err) != domain.ErrClassDataIntegrity {
			logger.Warn("[GmailAdapter.fetchMessagesParallel] fetch of %s failed, failing page: %v", r.id, r.err)
			return nil, r.err
		}
		failed++
	}
	if failed > 0 {
		logger.Warn("[GmailAdapter.fetchMessagesParallel] %d/%d metadata fetches skipped", failed, len(ids))
	}
	return results, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *GmailAdapter) getProfile(ctx context.Context, token *oauth2.Token) (*gmail.Profile, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	profile, err := call(ctx, a, token, "GetProfile", func() (*gmail.Profile, error) {
		return svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}
	return profile, nil
}

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if token == nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrAuth, "missing token", nil, false)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, serviceTimeout)
		defer cancel()
	}

	client := oauth2.NewClient(a.withClient(ctx), oauth2.StaticTokenSource(token))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrNetwork, "failed to create gmail service", err, true)
	}
	return svc, nil
}

// withClient makes the oauth2 package use the pooled transport.
func (a *GmailAdapter) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// call waits on the per-account limiter and runs fn under the circuit
// breaker. Client errors do not count as breaker failures.
func call[T any](ctx context.Context, a *GmailAdapter, token *oauth2.Token, operation string, fn func() (T, error)) (T, error) {
	var zero T
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, limiterKey(token)); err != nil {
			return zero, err
		}
	}

	v, err := resilience.Execute(a.cb, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case 400, 401, 403, 404:
				return v, resilience.PassThrough(err)
			}
		}
		return v, err
	})
	if err != nil && resilience.IsOpen(err) {
		logger.Warn("[GmailAdapter.%s] circuit breaker rejected call: state=%s", operation, a.cb.State().String())
		return zero, out.NewProviderError(providerName, out.ProviderErrServer, "circuit open", err, true)
	}
	return v, err
}

// limiterKey identifies the account behind a token without keeping the
// secret in memory as a map key.
func limiterKey(token *oauth2.Token) string {
	src := token.RefreshToken
	if src == "" {
		src = token.AccessToken
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:8])
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if _, ok := out.AsProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 401 {
			return out.NewProviderError(providerName, out.ProviderErrAuth, "refresh token revoked", err, false)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return out.NewProviderError(providerName, out.ProviderErrServer, defaultMsg, err, true)
		}
		return out.NewProviderError(providerName, out.ProviderErrAuth, defaultMsg, err, false)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput, "Bad request", err, false)
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if isRateLimitReason(apiErr) {
				return rateLimited(apiErr, err)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return rateLimited(apiErr, err)
		case 500, 502, 503, 504:
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError(providerName, out.ProviderErrNetwork, defaultMsg, err, true)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

func rateLimited(apiErr *googleapi.Error, err error) *out.ProviderError {
	pe := out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true)
	if apiErr.Header != nil {
		if v := apiErr.Header.Get("Retry-After"); v != "" {
			var secs int
			if _, scanErr := fmt.Sscanf(v, "%d", &secs); scanErr == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return pe
}

func isNotFound(err error) bool {
	pe, ok := out.AsProviderError(err)
	return ok && pe.Code == out.ProviderErrNotFound
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *out.ProviderMessage {
	result := &out.ProviderMessage{
		ProviderID: msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		Labels:     msg.LabelIds,
		HistoryID:  msg.HistoryId,
	}
	if msg.InternalDate > 0 {
		result.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return result
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			result.Subject = h.Value
		case "from":
			result.FromName, result.FromEmail = parseAddress(h.Value)
		case "date":
			if result.Date.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					result.Date = t.UTC()
				}
			}
		case "list-unsubscribe":
			result.Headers.ListUnsubscribe = h.Value
		case "list-id":
			result.Headers.ListID = h.Value
		case "precedence":
			result.Headers.Precedence = h.Value
		case "auto-submitted":
			result.Headers.AutoSubmitted = h.Value
		case "x-mailer":
			result.Headers.XMailer = h.Value
		case "feedback-id":
			result.Headers.FeedbackID = h.Value
		}
	}
	return result
}

func parseAddress(s string) (name, email string) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", strings.ToLower(strings.Trim(strings.TrimSpace(s), "<>"))
	}
	return addr.Name, strings.ToLower(addr.Address)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var (
	_ out.MailProvider   = (*GmailAdapter)(nil)
	_ out.OAuthExchanger = (*GmailAdapter)(nil)
)
