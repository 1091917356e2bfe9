// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProvider is the provider capability profile the sync pipeline needs:
// listable messages, a monotonic change cursor and expiring push watches.
type MailProvider interface {
	TokenRefresher
	WatchProvider

	// CurrentCursor returns the mailbox's current history id.
	CurrentCursor(ctx context.Context, token *oauth2.Token) (uint64, error)

	// ListMessages returns one page of the full mailbox listing with metadata.
	ListMessages(ctx context.Context, token *oauth2.Token, pageToken string, pageSize int) (*MessagePage, error)

	// ListHistory returns one page of changes after startCursor. A cursor that
	// is too old fails with ProviderErrSyncRequired.
	ListHistory(ctx context.Context, token *oauth2.Token, startCursor uint64, pageToken string, pageSize int) (*HistoryPage, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// WatchProvider registers and removes push subscriptions.
type WatchProvider interface {
	Watch(ctx context.Context, token *oauth2.Token, topic string) (*WatchResponse, error)
	StopWatch(ctx context.Context, token *oauth2.Token) error
}

// OAuthExchanger completes the authorization-code flow for a mailbox.
type OAuthExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	ProfileEmail(ctx context.Context, token *oauth2.Token) (string, error)
}

// ProviderMessage is a message as fetched from the provider (metadata only).
type ProviderMessage struct {
	ProviderID string
	ThreadID   string
	Subject    string
	Snippet    string
	FromEmail  string
	FromName   string
	Labels     []string
	Headers    domain.MessageHeaders
	HistoryID  uint64
	Date       time.Time
}

// MessagePage is one page of the mailbox listing. Messages the provider
// rejected as malformed are counted in Failed; retryable fetch failures fail
// the whole page instead.
type MessagePage struct {
	Messages      []*ProviderMessage
	Failed        int
	NextPageToken string
}

type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert" // added or labels changed
	ChangeDelete ChangeKind = "delete"
)

// MessageChange is one entry of the change log, in provider order.
type MessageChange struct {
	Kind       ChangeKind
	HistoryID  uint64
	ProviderID string
	Message    *ProviderMessage // nil for upserts the provider rejected as malformed
}

// HistoryPage is one page of the change log.
type HistoryPage struct {
	Changes       []*MessageChange
	NextPageToken string
	// highest history id covered by this page
	LastHistoryID uint64
	// mailbox history id at response time; the terminal cursor on the last page
	HistoryID uint64
}

// WatchResponse is the result of a push registration.
type WatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
}

// =============================================================================
// Provider errors
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Message    string
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorClass maps provider codes onto the sync error taxonomy.
func (e *ProviderError) ErrorClass() domain.ErrorClass {
	switch e.Code {
	case ProviderErrTokenExpired, ProviderErrAuth:
		return domain.ErrClassAuthExpired
	case ProviderErrRateLimit:
		return domain.ErrClassRateLimited
	case ProviderErrInvalidInput, ProviderErrNotFound:
		return domain.ErrClassDataIntegrity
	case ProviderErrSyncRequired:
		// not retryable; the sync engine falls back to a full sync
		return domain.ErrClassFatal
	default:
		return domain.ErrClassTransient
	}
}

func (e *ProviderError) RetryDelay() time.Duration {
	return e.RetryAfter
}

func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsSyncRequired reports whether the provider rejected the history cursor.
func IsSyncRequired(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Code == ProviderErrSyncRequired
}

func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
