package messaging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailsync_server/core/domain"
)

func TestRelayEvent_RoundTrip(t *testing.T) {
	owner := uuid.New()
	event := domain.NewEvent(owner, domain.EventCategoryUpdated, domain.CategoryUpdatedData{
		MessageID: 9,
		Category:  "promotion",
	})
	event.Origin = "worker-1"

	payload, err := encodeRelayEvent(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := decodeRelayEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.OwnerID != owner {
		t.Errorf("expected owner %s, got %s", owner, got.OwnerID)
	}
	if got.Origin != "worker-1" {
		t.Errorf("expected origin worker-1, got %q", got.Origin)
	}
	if got.Type != domain.EventCategoryUpdated || got.ID != event.ID {
		t.Errorf("unexpected event %+v", got)
	}
	if !got.Timestamp.Equal(event.Timestamp) {
		t.Errorf("expected timestamp %v, got %v", event.Timestamp, got.Timestamp)
	}
}

func TestDecodeRelayEvent_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"garbage", `not json`},
		{"missing origin", `{"owner_id":"` + uuid.NewString() + `","event":{}}`},
		{"missing owner", `{"origin":"api-1","event":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeRelayEvent([]byte(tt.payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadGroupArgs(t *testing.T) {
	got := readGroupArgs([]string{StreamMailSync, StreamWatchEnsure})
	want := []string{StreamMailSync, StreamWatchEnsure, ">", ">"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestMessageData(t *testing.T) {
	if _, err := messageData(redis.XMessage{Values: map[string]interface{}{}}); err == nil {
		t.Error("expected error for missing data")
	}
	if _, err := messageData(redis.XMessage{Values: map[string]interface{}{"data": 1}}); err == nil {
		t.Error("expected error for non-string data")
	}
	data, err := messageData(redis.XMessage{Values: map[string]interface{}{"data": `{"a":1}`}})
	if err != nil || string(data) != `{"a":1}` {
		t.Errorf("expected payload, got %q (%v)", data, err)
	}
}
