package mongodb

import (
	"strings"
	"testing"
	"time"

	"mailsync_server/core/domain"
)

func TestEncodeEntries_RoundTripsLargeSnapshots(t *testing.T) {
	tests := []struct {
		name           string
		n              int
		wantCompressed bool
	}{
		{"small stays plain", 1, false},
		{"large is compressed", 200, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]domain.ClassificationSnapshotEntry, tt.n)
			for i := range entries {
				entries[i] = domain.ClassificationSnapshotEntry{
					MessageID: int64(i + 1),
					Category:  domain.CategoryPromotions,
					Classification: &domain.Classification{
						Label:        domain.CategoryPromotions,
						Confidence:   0.7,
						Phase:        domain.PhaseHeuristic,
						Source:       "rfc:list-unsubscribe",
						ClassifiedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
					},
				}
			}

			payload, compressed, err := encodeEntries(entries)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if compressed != tt.wantCompressed {
				t.Errorf("expected compressed=%v, got %v", tt.wantCompressed, compressed)
			}

			decoded, err := decodeEntries(payload, compressed)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(decoded) != tt.n {
				t.Fatalf("expected %d entries, got %d", tt.n, len(decoded))
			}
			last := decoded[tt.n-1]
			if last.MessageID != int64(tt.n) || last.Classification == nil || last.Classification.Source != "rfc:list-unsubscribe" {
				t.Errorf("unexpected last entry %+v", last)
			}
		})
	}
}

func TestDecodeEntries_CorruptPayload(t *testing.T) {
	if _, err := decodeEntries([]byte("not gzip"), true); err == nil || !strings.Contains(err.Error(), "decompress") {
		t.Errorf("expected decompress error, got %v", err)
	}
}
