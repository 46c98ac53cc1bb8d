package proxypool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/config"
	"sniper/internal/domain"
	"sniper/internal/keys"
)

const (
	defaultCostPerGB     = 1.0
	costTypeDefault      = "default"
	costHourTTL          = 48 * time.Hour
	costDayRetentionDays = 8
	costDayTTL           = costDayRetentionDays * 24 * time.Hour
	costDayLayout        = "20060102"
)

// UsageCost prices one request in USD from its bandwidth and the per-type
// rate table.
func UsageCost(cfg config.ProxyConfig, proxyType domain.ProxyType, bandwidthMB float64) float64 {
	perGB, ok := cfg.CostPerGB[string(proxyType)]
	if !ok {
		if perGB, ok = cfg.CostPerGB[costTypeDefault]; !ok {
			perGB = defaultCostPerGB
		}
	}
	return bandwidthMB/1024*perGB + cfg.CostPerRequest[string(proxyType)]
}

// accrueCost adds the spend to the shared hour and day buckets so every
// node contributes to the same totals.
func (m *Manager) accrueCost(ctx context.Context, proxy *domain.Proxy, bandwidthMB float64, now time.Time) {
	cost := UsageCost(m.settings(), proxy.Type, bandwidthMB)
	if cost <= 0 {
		return
	}
	m.metrics.AddProxyCost(proxy.Provider, cost)

	buckets := []struct {
		key string
		ttl time.Duration
	}{
		{keys.CostHour(now), costHourTTL},
		{keys.CostDay(now), costDayTTL},
	}
	for _, bucket := range buckets {
		if _, err := m.store.HIncrByFloat(ctx, bucket.key, proxy.Provider, cost); err != nil {
			log.Error("Failed to accrue proxy cost", "provider", proxy.Provider, "error", err)
			return
		}
		if err := m.store.Expire(ctx, bucket.key, bucket.ttl); err != nil {
			log.Debug("Failed to set cost bucket expiry", "key", bucket.key, "error", err)
		}
	}
}

func (m *Manager) costBreakdown(ctx context.Context, key string) (map[string]float64, float64, error) {
	fields, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	breakdown := make(map[string]float64, len(fields))
	total := 0.0
	for provider, raw := range fields {
		value := parseFloat(raw)
		breakdown[provider] = value
		total += value
	}
	return breakdown, total, nil
}

func (m *Manager) costForDay(ctx context.Context, day time.Time) (float64, error) {
	_, total, err := m.costBreakdown(ctx, keys.CostDay(day))
	return total, err
}

// CheckCosts publishes the last completed hour's spend and today's total
// and alerts when the hour went over budget.
func (m *Manager) CheckCosts(ctx context.Context) error {
	cfg := m.settings()
	now := m.now()

	breakdown, hourTotal, err := m.costBreakdown(ctx, keys.CostHour(now.Add(-time.Hour)))
	if err != nil {
		return fmt.Errorf("read hourly cost: %w", err)
	}

	fields := make(map[string]string, len(breakdown))
	for provider, value := range breakdown {
		breakdown[provider] = roundCents(value)
		fields[provider] = formatFloat(breakdown[provider])
	}
	if err := m.store.Del(ctx, keys.MetricsCostHourly); err != nil {
		return err
	}
	if err := m.store.HSet(ctx, keys.MetricsCostHourly, fields); err != nil {
		return err
	}

	today, err := m.costForDay(ctx, now)
	if err != nil {
		return fmt.Errorf("read daily cost: %w", err)
	}
	if err := m.store.Set(ctx, keys.MetricsCostToday, formatFloat(roundCents(today)), 0); err != nil {
		return err
	}

	log.Debug("Proxy cost checked", "last_hour", roundCents(hourTotal), "today", roundCents(today))

	if cfg.HourlyCostAlert > 0 && hourTotal > cfg.HourlyCostAlert {
		m.publishAlert(ctx, Alert{
			Message:   fmt.Sprintf("High proxy costs: $%.2f/hour", hourTotal),
			Severity:  SeverityWarning,
			Breakdown: breakdown,
		})
	}
	return nil
}

// ArchiveDailyCost writes the per-provider totals of day to the archive.
func (m *Manager) ArchiveDailyCost(ctx context.Context, day time.Time) error {
	if m.archive == nil {
		return nil
	}

	breakdown, _, err := m.costBreakdown(ctx, keys.CostDay(day))
	if err != nil {
		return err
	}
	if len(breakdown) == 0 {
		return nil
	}

	label := day.UTC().Format(costDayLayout)
	snapshots := make([]domain.CostSnapshot, 0, len(breakdown))
	for provider, value := range breakdown {
		snapshots = append(snapshots, domain.CostSnapshot{Day: label, Provider: provider, CostUSD: value})
	}
	return m.archive.RecordCost(ctx, snapshots)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// DailyCost is one UTC day's total spend.
type DailyCost struct {
	Day   string  `json:"day"`
	Total float64 `json:"total"`
}

// CostReport summarises spend held in the store.
type CostReport struct {
	Today       map[string]float64 `json:"today"`
	TodayTotal  float64            `json:"today_total"`
	LastHour    map[string]float64 `json:"last_hour"`
	Days        []DailyCost        `json:"days"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// CostReport collects today's and the last hour's spend per provider plus
// the daily totals of the preceding days, newest first. days is capped by
// the store's retention of day buckets.
func (m *Manager) CostReport(ctx context.Context, days int) (CostReport, error) {
	now := m.now()
	if days < 1 {
		days = 1
	}
	if days > costDayRetentionDays {
		days = costDayRetentionDays
	}

	today, todayTotal, err := m.costBreakdown(ctx, keys.CostDay(now))
	if err != nil {
		return CostReport{}, fmt.Errorf("read daily cost: %w", err)
	}
	lastHour, _, err := m.costBreakdown(ctx, keys.CostHour(now.Add(-time.Hour)))
	if err != nil {
		return CostReport{}, fmt.Errorf("read hourly cost: %w", err)
	}

	report := CostReport{
		Today:       roundBreakdown(today),
		TodayTotal:  roundCents(todayTotal),
		LastHour:    roundBreakdown(lastHour),
		Days:        make([]DailyCost, 0, days),
		GeneratedAt: now.UTC(),
	}
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i)
		total, err := m.costForDay(ctx, day)
		if err != nil {
			return CostReport{}, fmt.Errorf("read cost for %s: %w", day.UTC().Format(costDayLayout), err)
		}
		report.Days = append(report.Days, DailyCost{Day: day.UTC().Format(costDayLayout), Total: roundCents(total)})
	}
	return report, nil
}

func roundBreakdown(breakdown map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(breakdown))
	for provider, value := range breakdown {
		out[provider] = roundCents(value)
	}
	return out
}
