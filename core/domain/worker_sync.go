package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Sync State - owner 당 상태 머신 (idle -> syncing -> idle | error)
// =============================================================================

type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
	SyncStateStopped SyncState = "stopped"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// RetryDelays is the schedule for re-running a failed sync cycle.
var RetryDelays = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// SyncRetryDelay returns the delay before retry number attempt (1-based).
func SyncRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[attempt-1]
}

// SyncStatus is the persisted, user-visible sync status of an owner.
type SyncStatus struct {
	OwnerID uuid.UUID `json:"owner_id"`
	State   SyncState `json:"state"`
	Mode    SyncMode  `json:"mode,omitempty"`

	LastSyncedAt  time.Time `json:"last_synced_at,omitempty"`
	HistoryCursor uint64    `json:"history_cursor"`
	WatchActive   bool      `json:"watch_active"`

	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorAt    time.Time  `json:"last_error_at,omitempty"`

	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	LastSyncCount int       `json:"last_sync_count"`
	TotalSynced   int64     `json:"total_synced"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSyncStatus returns the initial idle status for an owner.
func NewSyncStatus(ownerID uuid.UUID) *SyncStatus {
	return &SyncStatus{OwnerID: ownerID, State: SyncStateIdle}
}

// RecordError moves the status into the error state.
func (s *SyncStatus) RecordError(class ErrorClass, msg string, at time.Time) {
	s.State = SyncStateError
	s.LastErrorClass = class
	s.LastError = msg
	s.LastErrorAt = at
}

// ScheduleRetry sets the next retry slot. Auth failures never retry.
func (s *SyncStatus) ScheduleRetry(now time.Time) {
	if s.LastErrorClass == ErrClassAuthExpired || s.LastErrorClass == ErrClassFatal {
		s.NextRetryAt = time.Time{}
		return
	}
	s.RetryCount++
	s.NextRetryAt = now.Add(SyncRetryDelay(s.RetryCount))
}

// RecordSuccess returns to idle. Error fields are kept for inspection.
func (s *SyncStatus) RecordSuccess(synced int, at time.Time) {
	s.State = SyncStateIdle
	s.LastSyncedAt = at
	s.LastSyncCount = synced
	s.TotalSynced += int64(synced)
	s.RetryCount = 0
	s.NextRetryAt = time.Time{}
}

// RetryDue reports whether a scheduled retry should run now.
func (s *SyncStatus) RetryDue(now time.Time) bool {
	return s.State == SyncStateError && !s.NextRetryAt.IsZero() && !now.Before(s.NextRetryAt)
}

// SyncResult is the outcome of one sync call.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`

	Mode      SyncMode `json:"mode,omitempty"`
	Cursor    uint64   `json:"cursor,omitempty"`
	Pages     int      `json:"pages,omitempty"`
	Coalesced bool     `json:"coalesced,omitempty"`
	Skipped   bool     `json:"skipped,omitempty"`
}

// Add merges another result (used when a resync runs after the current one).
func (r *SyncResult) Add(other *SyncResult) {
	if other == nil {
		return
	}
	r.Synced += other.Synced
	r.Failed += other.Failed
	r.Pages += other.Pages
	if other.Cursor > r.Cursor {
		r.Cursor = other.Cursor
	}
}

// SyncTrigger is the job enqueued by the webhook, the control API and the
// retry scheduler.
type SyncTrigger struct {
	ID            string    `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Mode          SyncMode  `json:"mode"`
	TriggerCursor uint64    `json:"trigger_cursor,omitempty"`
	Source        string    `json:"source"` // webhook, pubsub, control, retry
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
