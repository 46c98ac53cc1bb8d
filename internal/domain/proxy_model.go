package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sniper/internal/support/reputation"
)

type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyISP         ProxyType = "isp"
	ProxyDatacenter  ProxyType = "datacenter"
)

func ParseProxyType(value string) (ProxyType, error) {
	switch t := ProxyType(strings.ToLower(strings.TrimSpace(value))); t {
	case ProxyResidential, ProxyISP, ProxyDatacenter:
		return t, nil
	default:
		return "", fmt.Errorf("unknown proxy type %q", value)
	}
}

// Proxy is one upstream egress endpoint together with its usage counters.
type Proxy struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Provider        string    `json:"provider"`
	Type            ProxyType `json:"type"`
	Location        string    `json:"location"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"-"`
	StickySessionID string    `json:"sticky_session_id,omitempty"`

	Requests         int64     `json:"requests"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
	TotalBandwidthMB float64   `json:"total_bandwidth_mb"`
	ResponseTimeEWMA float64   `json:"response_time_ewma_ms"`
	LastUsed         time.Time `json:"last_used,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	RotatedAt        time.Time `json:"rotated_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// GenerateID derives the identifier assigned at provisioning. It stays fixed
// for the life of the record, rotation included.
func (proxy *Proxy) GenerateID() string {
	identity := proxy.Username
	if identity == "" {
		identity = proxy.URL
	}
	sum := sha256.Sum256([]byte(identity))

	sticky := proxy.StickySessionID
	if sticky == "" {
		sticky = "none"
	}
	return fmt.Sprintf("%s:%s:%s:%s", proxy.Provider, proxy.Type, sticky, hex.EncodeToString(sum[:])[:10])
}

// EnsureID assigns GenerateID when the proxy has no identifier yet.
func (proxy *Proxy) EnsureID() string {
	if proxy.ID == "" {
		proxy.ID = proxy.GenerateID()
	}
	return proxy.ID
}

// FailureRate is the failure percentage, 0 without traffic.
func (proxy *Proxy) FailureRate() float64 {
	if proxy.Requests <= 0 {
		return 0
	}
	return float64(proxy.Failures) / float64(proxy.Requests) * 100
}

func (proxy *Proxy) SuccessRate() float64 {
	if proxy.Requests <= 0 {
		return 0
	}
	return float64(proxy.Successes) / float64(proxy.Requests) * 100
}

func (proxy *Proxy) AvgResponseTime() float64 {
	return proxy.ResponseTimeEWMA
}

func (proxy *Proxy) HealthScore(now time.Time) float64 {
	return proxy.Health(now).Score
}

func (proxy *Proxy) Health(now time.Time) reputation.ScoreResult {
	var lastUsed *time.Time
	if !proxy.LastUsed.IsZero() {
		lastUsed = &proxy.LastUsed
	}
	return reputation.Score(reputation.Metrics{
		Requests:         proxy.Requests,
		Successes:        proxy.Successes,
		ResponseTimeEWMA: proxy.ResponseTimeEWMA,
		LastUsed:         lastUsed,
	}, now, nil)
}

func (proxy *Proxy) HasAuth() bool {
	return proxy.Username != "" || proxy.Password != ""
}

// AuthURL is the proxy URL with credentials embedded, suitable for a transport.
func (proxy *Proxy) AuthURL() (*url.URL, error) {
	parsed, err := url.Parse(proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", proxy.URL)
	}
	if proxy.HasAuth() {
		parsed.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return parsed, nil
}

// Redacted renders the proxy URL with any credentials masked. Logs and alerts
// only ever carry this form.
func (proxy *Proxy) Redacted() string {
	parsed, err := url.Parse(proxy.URL)
	if err != nil || parsed.Host == "" {
		return "<invalid proxy url>"
	}
	if parsed.User == nil && !proxy.HasAuth() {
		return parsed.String()
	}
	parsed.User = nil
	scheme, rest, _ := strings.Cut(parsed.String(), "://")
	return scheme + "://***@" + rest
}

func (proxy *Proxy) String() string {
	return fmt.Sprintf("%s (%s)", proxy.ID, proxy.Redacted())
}
