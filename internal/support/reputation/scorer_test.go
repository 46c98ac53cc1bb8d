package reputation

import (
	"math"
	"testing"
	"time"
)

func TestScoreWithoutRequestsIsPerfect(t *testing.T) {
	res := Score(Metrics{}, time.Now(), nil)
	if res.Score != 100 {
		t.Fatalf("score = %v, want 100", res.Score)
	}
	if res.Label != LabelExcellent {
		t.Fatalf("label = %s, want %s", res.Label, LabelExcellent)
	}
}

func TestScoreComponents(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	lastUsed := now.Add(-12 * time.Minute)

	res := Score(Metrics{
		Requests:         10,
		Successes:        8,
		ResponseTimeEWMA: 500,
		LastUsed:         &lastUsed,
	}, now, nil)

	// 0.8*60 + (30 - 500/50) + (10 - 12/6) = 48 + 20 + 8
	if math.Abs(res.Score-76) > 1e-9 {
		t.Fatalf("score = %v, want 76", res.Score)
	}
	if res.Label != LabelGood {
		t.Fatalf("label = %s, want %s", res.Label, LabelGood)
	}
}

func TestScoreMissingSamplesGetFullComponent(t *testing.T) {
	res := Score(Metrics{Requests: 4, Successes: 2}, time.Now(), nil)

	// 0.5*60 + 30 + 10
	if res.Score != 70 {
		t.Fatalf("score = %v, want 70", res.Score)
	}
}

func TestScoreIsClampedAtZero(t *testing.T) {
	now := time.Now()
	lastUsed := now.Add(-48 * time.Hour)

	res := Score(Metrics{
		Requests:         20,
		Successes:        0,
		ResponseTimeEWMA: 10_000,
		LastUsed:         &lastUsed,
	}, now, nil)

	if res.Score != 0 {
		t.Fatalf("score = %v, want 0", res.Score)
	}
	if res.Label != LabelPoor {
		t.Fatalf("label = %s, want %s", res.Label, LabelPoor)
	}
}

func TestLabelFromScore(t *testing.T) {
	cases := map[float64]string{
		95: LabelExcellent,
		90: LabelExcellent,
		75: LabelGood,
		55: LabelFair,
		10: LabelPoor,
	}
	for score, want := range cases {
		if got := LabelFromScore(score); got != want {
			t.Fatalf("LabelFromScore(%v) = %s, want %s", score, got, want)
		}
	}
}
