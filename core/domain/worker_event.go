package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event - 내부 이벤트 버스 / SSE 공용 이벤트
// =============================================================================

type EventType string

const (
	EventEmailSynced                    EventType = "email_synced"
	EventCategoryUpdated                EventType = "category_updated"
	EventReclassificationPhase1Complete EventType = "reclassification_phase1_complete"
	EventPhase2CategoryChanged          EventType = "phase2_category_changed"
	EventPhase2BatchComplete            EventType = "phase2_batch_complete"
	EventReclassificationProgress       EventType = "reclassification_progress"
	EventReclassificationComplete       EventType = "reclassification_complete"
	EventSyncFailed                     EventType = "sync_failed"

	// lifecycle
	EventSyncStarted         EventType = "sync_started"
	EventSyncCompleted       EventType = "sync_completed"
	EventAccountDisconnected EventType = "account_disconnected"
	EventWatchFailed         EventType = "watch_failed"

	// SSE transport only
	EventConnected EventType = "connected"
)

// BroadcastEventTypes are forwarded to realtime clients.
var BroadcastEventTypes = []EventType{
	EventEmailSynced,
	EventCategoryUpdated,
	EventReclassificationPhase1Complete,
	EventPhase2CategoryChanged,
	EventPhase2BatchComplete,
	EventReclassificationProgress,
	EventReclassificationComplete,
	EventSyncFailed,
	EventSyncStarted,
	EventSyncCompleted,
	EventAccountDisconnected,
	EventWatchFailed,
}

// CacheInvalidatingEventTypes drop every cached aggregate of the owner.
var CacheInvalidatingEventTypes = []EventType{
	EventCategoryUpdated,
	EventPhase2BatchComplete,
	EventEmailSynced,
	EventReclassificationComplete,
}

type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	OwnerID   uuid.UUID   `json:"-"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`

	// instance that produced the event; used by the cross-process relay
	Origin string `json:"-"`
}

func NewEvent(ownerID uuid.UUID, eventType EventType, data interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OwnerID:   ownerID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// =============================================================================
// Event payloads
// =============================================================================

type EmailSyncedData struct {
	Mode   SyncMode `json:"mode"`
	Page   int      `json:"page"`
	Count  int      `json:"count"`
	Failed int      `json:"failed,omitempty"`
	Cursor uint64   `json:"cursor,omitempty"`
}

type CategoryUpdatedData struct {
	MessageID         int64               `json:"message_id"`
	ProviderMessageID string              `json:"provider_message_id"`
	PreviousCategory  Category            `json:"previous_category,omitempty"`
	Category          Category            `json:"category"`
	Confidence        float64             `json:"confidence"`
	Phase             ClassificationPhase `json:"phase"`
}

type Phase2BatchCompleteData struct {
	BatchID           string `json:"batch_id"`
	Processed         int    `json:"processed"`
	CategoriesChanged int    `json:"categoriesChanged"`
	Failed            int    `json:"failed,omitempty"`
}

type SyncFailedData struct {
	Mode        SyncMode   `json:"mode"`
	ErrorClass  ErrorClass `json:"error_class"`
	Message     string     `json:"message"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type SyncLifecycleData struct {
	Mode   SyncMode `json:"mode"`
	Synced int      `json:"synced,omitempty"`
	Failed int      `json:"failed,omitempty"`
	Cursor uint64   `json:"cursor,omitempty"`
}

type AccountDisconnectedData struct {
	Reason string `json:"reason"`
}

type WatchFailedData struct {
	ErrorClass  ErrorClass `json:"error_class"`
	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type ReclassificationPhase1Data struct {
	Processed int `json:"processed"`
	Changed   int `json:"changed"`
}

type ReclassificationProgressData struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Updated   int `json:"updated"`
}

type ReclassificationCompleteData struct {
	BackupID string                `json:"backup_id,omitempty"`
	DryRun   bool                  `json:"dry_run"`
	Stats    ReclassificationStats `json:"stats"`
}
