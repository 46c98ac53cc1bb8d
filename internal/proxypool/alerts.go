package proxypool

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"sniper/internal/keys"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is published on the system alert channel. Proxy URLs are always in
// redacted form.
type Alert struct {
	Message   string             `json:"message"`
	Severity  string             `json:"severity"`
	ProxyURL  string             `json:"proxy_url,omitempty"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

type alertEnvelope struct {
	Type    string `json:"type"`
	Payload Alert  `json:"payload"`
}

func (m *Manager) publishAlert(ctx context.Context, alert Alert) {
	payload, err := json.Marshal(alertEnvelope{Type: "alert", Payload: alert})
	if err != nil {
		log.Error("Failed to encode alert", "error", err)
		return
	}
	if err := m.store.Publish(ctx, keys.SystemAlertsChannel, string(payload)); err != nil {
		log.Error("Failed to publish alert", "message", alert.Message, "error", err)
	}
}
