package dto

import (
	"time"

	"sniper/internal/domain"
)

type ProxyHealth struct {
	Score   float64        `json:"score"`
	Label   string         `json:"label"`
	Signals map[string]any `json:"signals,omitempty"`
}

// ProxyDetail is the public view of a pooled proxy. Credentials never leave
// the process, the URL is always redacted.
type ProxyDetail struct {
	ID              string      `json:"id"`
	URL             string      `json:"url"`
	Provider        string      `json:"provider"`
	Type            string      `json:"type"`
	Location        string      `json:"location"`
	StickySessionID string      `json:"sticky_session_id,omitempty"`
	Requests        int64       `json:"requests"`
	Successes       int64       `json:"successes"`
	Failures        int64       `json:"failures"`
	SuccessRate     float64     `json:"success_rate"`
	BandwidthMB     float64     `json:"total_bandwidth_mb"`
	ResponseTimeMs  float64     `json:"response_time_ewma_ms"`
	LastUsed        *time.Time  `json:"last_used,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	RotatedAt       *time.Time  `json:"rotated_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Health          ProxyHealth `json:"health"`
}

func NewProxyDetail(p *domain.Proxy, now time.Time) ProxyDetail {
	health := p.Health(now)
	return ProxyDetail{
		ID:              p.ID,
		URL:             p.Redacted(),
		Provider:        p.Provider,
		Type:            string(p.Type),
		Location:        p.Location,
		StickySessionID: p.StickySessionID,
		Requests:        p.Requests,
		Successes:       p.Successes,
		Failures:        p.Failures,
		SuccessRate:     p.SuccessRate(),
		BandwidthMB:     p.TotalBandwidthMB,
		ResponseTimeMs:  p.AvgResponseTime(),
		LastUsed:        optionalTime(p.LastUsed),
		LastError:       p.LastError,
		RotatedAt:       optionalTime(p.RotatedAt),
		CreatedAt:       p.CreatedAt,
		Health: ProxyHealth{
			Score:   health.Score,
			Label:   health.Label,
			Signals: health.Signals,
		},
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
