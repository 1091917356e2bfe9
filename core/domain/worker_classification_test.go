package domain

import "testing"

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		expected   ConfidenceBucket
	}{
		{"exact high threshold", 0.7, BucketHigh},
		{"high", 0.95, BucketHigh},
		{"just below high", 0.6999, BucketMedium},
		{"exact medium threshold", 0.4, BucketMedium},
		{"just below medium", 0.3999, BucketLow},
		{"zero", 0, BucketLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BucketFor(tt.confidence); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestBucketDistribution_Add(t *testing.T) {
	var d BucketDistribution
	for _, c := range []float64{0.9, 0.7, 0.5, 0.1, 0.39} {
		d.Add(c)
	}

	if d.High != 2 || d.Medium != 1 || d.Low != 2 {
		t.Errorf("expected 2/1/2, got %d/%d/%d", d.High, d.Medium, d.Low)
	}
	if d.Total() != 5 {
		t.Errorf("expected total 5, got %d", d.Total())
	}
}

func TestShouldOverwrite(t *testing.T) {
	phase1 := &Classification{Label: CategoryPromotions, Confidence: 0.6, Phase: PhaseHeuristic}

	tests := []struct {
		name     string
		current  *Classification
		next     Classification
		expected bool
	}{
		{"no current classification", nil, Classification{Label: CategoryOther, Confidence: 0.1}, true},
		{"higher confidence wins", phase1, Classification{Label: CategoryAcademic, Confidence: 0.8}, true},
		{"higher confidence same label refreshes", phase1, Classification{Label: CategoryPromotions, Confidence: 0.9}, true},
		{"equal confidence keeps phase 1", phase1, Classification{Label: CategoryAcademic, Confidence: 0.6}, false},
		{"lower confidence keeps phase 1", phase1, Classification{Label: CategoryAcademic, Confidence: 0.3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldOverwrite(tt.current, tt.next); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestClampConfidence(t *testing.T) {
	if ClampConfidence(-0.2) != 0 {
		t.Error("expected negative confidence clamped to 0")
	}
	if ClampConfidence(1.3) != 1 {
		t.Error("expected confidence above 1 clamped to 1")
	}
	if ClampConfidence(0.42) != 0.42 {
		t.Error("expected in-range confidence unchanged")
	}
}
