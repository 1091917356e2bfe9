package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gmail system labels used to derive read/archive state.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
	LabelTrash  = "TRASH"
	LabelSpam   = "SPAM"
)

// =============================================================================
// Message - 로컬 메일 레플리카
// =============================================================================

// Message is keyed by (OwnerID, ProviderMessageID). Category and
// Classification are written only by the classification dispatcher.
type Message struct {
	ID                int64     `json:"id"`
	OwnerID           uuid.UUID `json:"owner_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`

	Subject   string   `json:"subject"`
	Snippet   string   `json:"snippet"`
	FromEmail string   `json:"from_email"`
	FromName  string   `json:"from_name,omitempty"`
	Labels    []string `json:"labels"`

	Category       Category        `json:"category,omitempty"`
	Classification *Classification `json:"classification,omitempty"`

	IsRead     bool `json:"is_read"`
	IsArchived bool `json:"is_archived"`
	IsDeleted  bool `json:"is_deleted"`

	Headers MessageHeaders `json:"headers"`

	// history id of the last change applied to this row
	HistoryID uint64    `json:"history_id"`
	Date      time.Time `json:"date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageHeaders holds the RFC header signals used by phase-1 rules.
type MessageHeaders struct {
	ListUnsubscribe string `json:"list_unsubscribe,omitempty"`
	ListID          string `json:"list_id,omitempty"`
	Precedence      string `json:"precedence,omitempty"`
	FeedbackID      string `json:"feedback_id,omitempty"`
	AutoSubmitted   string `json:"auto_submitted,omitempty"`
	XMailer         string `json:"x_mailer,omitempty"`
}

// ApplyLabels replaces the label set and recomputes derived flags.
func (m *Message) ApplyLabels(labels []string) {
	m.Labels = labels
	m.IsRead = true
	m.IsArchived = true
	for _, l := range labels {
		switch l {
		case LabelUnread:
			m.IsRead = false
		case LabelInbox:
			m.IsArchived = false
		case LabelTrash:
			m.IsDeleted = true
		}
	}
}

// HasFinalClassification reports whether phase 2 already decided the category.
func (m *Message) HasFinalClassification() bool {
	return m.Classification != nil && m.Classification.Phase == PhaseRefined
}

// ScoringText is the body passed to the scoring service.
func (m *Message) ScoringText() string {
	return strings.TrimSpace(m.Snippet)
}

// Validate checks the fields required to persist a message.
func (m *Message) Validate() error {
	if m.OwnerID == uuid.Nil {
		return NewSyncError(ErrClassDataIntegrity, "message.validate", ErrMissingOwner)
	}
	if strings.TrimSpace(m.ProviderMessageID) == "" {
		return NewSyncError(ErrClassDataIntegrity, "message.validate", ErrMissingProviderID)
	}
	return nil
}
