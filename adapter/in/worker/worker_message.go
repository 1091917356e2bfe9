package worker

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/core/domain"
)

// Priority levels for job scheduling.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// JobType represents the type of a job.
type JobType = string

const (
	JobMailFullSync        JobType = "mail.full_sync"
	JobMailIncrementalSync JobType = "mail.incremental_sync"
	JobWatchEnsure         JobType = "watch.ensure"
	JobReclassify          JobType = "classification.reclassify"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return NewPriorityMessage(jobType, payload, PriorityNormal)
}

// NewPriorityMessage creates a message with specific priority.
func NewPriorityMessage(jobType string, payload map[string]any, priority Priority) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// IsPriority checks if message should go to priority queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// SyncPayload carries a domain.SyncTrigger.
type SyncPayload struct {
	TriggerID     string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Mode          string `json:"mode"`
	TriggerCursor uint64 `json:"trigger_cursor,omitempty"`
	Source        string `json:"source"`
}

type WatchEnsurePayload struct {
	OwnerID string `json:"owner_id"`
}

type ReclassifyPayload struct {
	OwnerID             string  `json:"owner_id"`
	BatchSize           int     `json:"batch_size,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	DryRun              bool    `json:"dry_run,omitempty"`
}

// MessageFromStream converts a Redis Stream entry into a pool message.
// Triggers from the control API run at high priority.
func MessageFromStream(stream string, data []byte) (*Message, error) {
	// UseNumber keeps history ids exact through the map round trip
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", stream, err)
	}

	switch stream {
	case messaging.StreamMailSync:
		var trigger domain.SyncTrigger
		if err := json.Unmarshal(data, &trigger); err != nil {
			return nil, fmt.Errorf("decode sync trigger: %w", err)
		}
		jobType := JobMailIncrementalSync
		if trigger.Mode == domain.SyncModeFull {
			jobType = JobMailFullSync
		}
		priority := PriorityNormal
		if trigger.Source == "control" {
			priority = PriorityHigh
		}
		return NewPriorityMessage(jobType, payload, priority), nil
	case messaging.StreamWatchEnsure:
		return NewMessage(JobWatchEnsure, payload), nil
	case messaging.StreamReclassify:
		return NewPriorityMessage(JobReclassify, payload, PriorityLow), nil
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
}

// streamOf maps a job type back to the stream it came from.
func streamOf(jobType JobType) string {
	switch jobType {
	case JobMailFullSync, JobMailIncrementalSync:
		return messaging.StreamMailSync
	case JobWatchEnsure:
		return messaging.StreamWatchEnsure
	case JobReclassify:
		return messaging.StreamReclassify
	default:
		return "jobs"
	}
}
