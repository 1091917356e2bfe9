package persistence

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/crypto"
)

func TestAccountAdapter_TokenRoundTrip(t *testing.T) {
	cipher, err := crypto.NewTokenCipher("test-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := &AccountAdapter{cipher: cipher}

	enc, err := a.encrypt("refresh-1")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if enc == "refresh-1" {
		t.Fatal("expected token to be encrypted at rest")
	}

	row := &accountRow{
		OwnerID:       uuid.New(),
		Provider:      "google",
		Email:         "a@example.com",
		Connected:     true,
		AccessToken:   sql.NullString{String: "plain-access", Valid: true},
		RefreshToken:  sql.NullString{String: enc, Valid: true},
		HistoryCursor: 42,
		WatchActive:   true,
	}
	acc, err := a.toDomain(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.RefreshToken != "refresh-1" {
		t.Errorf("expected decrypted refresh token, got %q", acc.RefreshToken)
	}
	if acc.AccessToken != "plain-access" {
		t.Errorf("expected legacy plaintext to pass through, got %q", acc.AccessToken)
	}
	if acc.HistoryCursor != 42 || !acc.WatchActive {
		t.Errorf("unexpected account %+v", acc)
	}
}

func TestAccountAdapter_EncryptedWithoutCipher(t *testing.T) {
	cipher, _ := crypto.NewTokenCipher("test-secret")
	enc, _ := cipher.Encrypt("secret")

	a := &AccountAdapter{}
	if _, err := a.decrypt(enc); err == nil {
		t.Error("expected error when no cipher is configured")
	}
	if got, _ := a.encrypt("x"); got != "x" {
		t.Errorf("expected passthrough without cipher, got %q", got)
	}
}

func TestMessageRow_ToDomain(t *testing.T) {
	tests := []struct {
		name    string
		cls     []byte
		wantCls bool
		wantErr bool
	}{
		{"unclassified", nil, false, false},
		{"classified", []byte(`{"label":"promotion","confidence":0.9,"phase":2,"classified_at":"2026-01-01T00:00:00Z"}`), true, false},
		{"corrupt", []byte(`{"label":`), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := &messageRow{
				ID:                7,
				OwnerID:           uuid.New(),
				ProviderMessageID: "m7",
				Labels:            pq.StringArray{domain.LabelInbox, domain.LabelUnread},
				Category:          sql.NullString{String: "promotion", Valid: true},
				Classification:    tt.cls,
				Headers:           []byte(`{"precedence":"bulk"}`),
				HistoryID:         900,
				EmailDate:         sql.NullTime{Time: time.Unix(1700000000, 0), Valid: true},
			}

			msg, err := row.toDomain()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for corrupt classification")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (msg.Classification != nil) != tt.wantCls {
				t.Errorf("expected classification=%v, got %+v", tt.wantCls, msg.Classification)
			}
			if tt.wantCls && msg.Classification.Confidence != 0.9 {
				t.Errorf("expected confidence 0.9, got %v", msg.Classification.Confidence)
			}
			if msg.Headers.Precedence != "bulk" {
				t.Errorf("expected headers decoded, got %+v", msg.Headers)
			}
			if msg.HistoryID != 900 || len(msg.Labels) != 2 {
				t.Errorf("unexpected message %+v", msg)
			}
		})
	}
}

func TestNullHelpers(t *testing.T) {
	if nullString("").Valid {
		t.Error("expected empty string to be NULL")
	}
	if !nullString("x").Valid {
		t.Error("expected non-empty string to be valid")
	}
	if nullTime(time.Time{}).Valid {
		t.Error("expected zero time to be NULL")
	}
}
