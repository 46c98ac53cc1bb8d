package reputation

import (
	"math"
	"time"
)

// Metrics is the usage history a health score is computed from.
type Metrics struct {
	Requests         int64
	Successes        int64
	ResponseTimeEWMA float64 // milliseconds, 0 when no sample was recorded
	LastUsed         *time.Time
}

// Weights are the point budgets of each component. They sum to the maximum
// score of 100 with the defaults.
type Weights struct {
	Success float64
	Latency float64
	Recency float64
}

type ScoreResult struct {
	Score   float64
	Label   string
	Signals map[string]any
}

const (
	LabelExcellent = "excellent"
	LabelGood      = "good"
	LabelFair      = "fair"
	LabelPoor      = "poor"

	maxScore = 100

	// Every 50ms of average latency costs one latency point.
	latencyMsPerPoint = 50
	// Every 6 idle minutes cost one recency point.
	idleMinutesPerPoint = 6
)

var defaultWeights = Weights{
	Success: 60,
	Latency: 30,
	Recency: 10,
}

func DefaultWeights() Weights {
	return defaultWeights
}

// Score rates a proxy between 0 and 100. A proxy that has never served a
// request gets the full score so fresh proxies are tried.
func Score(metrics Metrics, now time.Time, customWeights *Weights) ScoreResult {
	w := defaultWeights
	if customWeights != nil {
		w = *customWeights
	}

	if metrics.Requests <= 0 {
		return ScoreResult{
			Score:   maxScore,
			Label:   LabelFromScore(maxScore),
			Signals: map[string]any{"sample_requests": int64(0)},
		}
	}

	successScore := calculateSuccessScore(metrics, w)
	latencyScore := calculateLatencyScore(metrics, w)
	recencyScore := calculateRecencyScore(metrics, now, w)

	score := clamp(successScore+latencyScore+recencyScore, 0, maxScore)

	signals := map[string]any{
		"success_score":   successScore,
		"success_ratio":   ratio(metrics.Successes, metrics.Requests),
		"latency_score":   latencyScore,
		"recency_score":   recencyScore,
		"sample_requests": metrics.Requests,
	}
	if metrics.ResponseTimeEWMA > 0 {
		signals["latency_ewma_ms"] = metrics.ResponseTimeEWMA
	}
	if minutes, ok := minutesSince(metrics.LastUsed, now); ok {
		signals["idle_minutes"] = minutes
	}

	return ScoreResult{
		Score:   score,
		Label:   LabelFromScore(score),
		Signals: signals,
	}
}

func calculateSuccessScore(m Metrics, w Weights) float64 {
	return ratio(m.Successes, m.Requests) * w.Success
}

func calculateLatencyScore(m Metrics, w Weights) float64 {
	if m.ResponseTimeEWMA <= 0 {
		return w.Latency
	}
	return math.Max(0, w.Latency-m.ResponseTimeEWMA/latencyMsPerPoint)
}

func calculateRecencyScore(m Metrics, now time.Time, w Weights) float64 {
	minutes, ok := minutesSince(m.LastUsed, now)
	if !ok {
		return w.Recency
	}
	return math.Max(0, w.Recency-minutes/idleMinutesPerPoint)
}

func LabelFromScore(score float64) string {
	switch {
	case score >= 90:
		return LabelExcellent
	case score >= 70:
		return LabelGood
	case score >= 50:
		return LabelFair
	default:
		return LabelPoor
	}
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return clamp(float64(part)/float64(total), 0, 1)
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func minutesSince(ts *time.Time, now time.Time) (float64, bool) {
	if ts == nil || ts.IsZero() {
		return 0, false
	}
	minutes := now.Sub(*ts).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return minutes, true
}
