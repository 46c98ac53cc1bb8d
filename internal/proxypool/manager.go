// Package proxypool owns the shared proxy inventory: selection, usage
// accounting, burning, provisioning and the background upkeep loops.
package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"sniper/internal/config"
	"sniper/internal/domain"
	"sniper/internal/keys"
	"sniper/internal/metrics"
	"sniper/internal/providers"
	"sniper/internal/security"
	"sniper/internal/store"
	"sniper/internal/support/reputation"
)

var (
	ErrNoProxyAvailable = errors.New("no proxy available")
	ErrProxyNotFound    = errors.New("proxy not found")
	ErrNoProviders      = errors.New("no proxy provider configured")
)

const (
	inflightTTL      = 10 * time.Minute
	releaseTimeout   = 5 * time.Second
	anyLocation      = "any"
	unknownUsageHost = "*"
)

// Requirements narrow the proxies GetProxy may return.
type Requirements struct {
	Type     domain.ProxyType // empty matches any type
	Location string           // empty or "any" matches any location
	// MinHealthScore of 0 uses the configured default. A negative value
	// accepts any score.
	MinHealthScore float64
	// MaxInflight of 0 uses the configured default.
	MaxInflight int
}

// Usage is the outcome of one request made through a proxy.
type Usage struct {
	Success      bool
	ResponseTime time.Duration
	BandwidthMB  float64
	Err          string
	Host         string
}

type Manager struct {
	store     store.Store
	records   *recordStore
	providers *providers.Registry
	metrics   *metrics.Collector
	archive   Archive
	settings  func() config.ProxyConfig
	now       func() time.Time

	policyMu   sync.Mutex
	policyName string
	policyRate float64
	policy     Policy
	fixed      bool
}

type Option func(*Manager)

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

func WithSealer(s *security.Sealer) Option {
	return func(m *Manager) { m.records.sealer = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSettings replaces the live config lookup.
func WithSettings(settings func() config.ProxyConfig) Option {
	return func(m *Manager) { m.settings = settings }
}

// WithPolicy pins the selection policy instead of following config.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
		m.fixed = p != nil
	}
}

func NewManager(st store.Store, registry *providers.Registry, opts ...Option) *Manager {
	if registry == nil {
		registry = providers.NewRegistry()
	}
	m := &Manager{
		store:     st,
		records:   &recordStore{store: st},
		providers: registry,
		settings:  func() config.ProxyConfig { return config.GetConfig().Proxy },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// policyFor returns the configured policy. A policy is never mutated once
// handed out; a changed name or explore rate swaps in a fresh one.
func (m *Manager) policyFor(cfg config.ProxyConfig) Policy {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()

	if m.fixed {
		return m.policy
	}
	_, greedy := m.policy.(*EpsilonGreedy)
	rateChanged := greedy && m.policyRate != cfg.ExploreRate
	if m.policy == nil || m.policyName != cfg.SelectionPolicy || rateChanged {
		p, err := NewPolicy(cfg.SelectionPolicy, cfg.ExploreRate)
		if err != nil {
			log.Warn("Falling back to epsilon greedy selection", "error", err)
			p = &EpsilonGreedy{ExploreRate: cfg.ExploreRate}
		}
		m.policy = p
		m.policyName = cfg.SelectionPolicy
		m.policyRate = cfg.ExploreRate
	}
	return m.policy
}

// GetProxy selects an eligible proxy and reserves one in-flight slot on it.
// Every successful call must be paired with ReportUsage.
func (m *Manager) GetProxy(ctx context.Context, req Requirements) (*domain.Proxy, error) {
	cfg := m.settings()

	proxies, err := m.records.loadActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active proxies: %w", err)
	}
	if len(proxies) == 0 {
		if _, err := m.Provision(ctx, cfg.ProvisionBatch); err != nil {
			log.Warn("Provisioning on empty pool failed", "error", err)
		}
		if proxies, err = m.records.loadActive(ctx); err != nil {
			return nil, fmt.Errorf("load active proxies: %w", err)
		}
	}

	now := m.now()
	candidates := filterCandidates(proxies, req, cfg, now)
	if len(candidates) == 0 {
		log.Debug("No proxies match requirements", "type", req.Type, "location", req.Location)
		return nil, ErrNoProxyAvailable
	}

	maxInflight := int64(req.MaxInflight)
	if maxInflight <= 0 {
		maxInflight = int64(cfg.MaxInflight)
	}

	policy := m.policyFor(cfg)
	for attempt := 0; attempt < 2 && len(candidates) > 0; attempt++ {
		i := policy.Select(candidates)
		picked := candidates[i]
		id := picked.Proxy.ID

		inflight, err := m.store.IncrBy(ctx, keys.ProxyInflight(id), 1)
		if err != nil {
			return nil, fmt.Errorf("reserve proxy %s: %w", id, err)
		}
		if err := m.store.Expire(ctx, keys.ProxyInflight(id), inflightTTL); err != nil {
			log.Debug("Failed to refresh inflight expiry", "proxy_id", id, "error", err)
		}

		if inflight > maxInflight {
			m.release(ctx, id)
			log.Debug("Proxy at capacity, trying next candidate", "proxy_id", id, "inflight", inflight)
			candidates = append(candidates[:i:i], candidates[i+1:]...)
			continue
		}

		if err := m.records.touch(ctx, id, now); err != nil {
			log.Warn("Failed to record proxy use", "proxy_id", id, "error", err)
		}
		m.metrics.SetProxyInflight(id, inflight)
		m.metrics.SetProxyHealth(id, picked.Proxy.Provider, picked.Score)

		proxy := picked.Proxy
		proxy.LastUsed = now
		return &proxy, nil
	}

	return nil, ErrNoProxyAvailable
}

func filterCandidates(proxies []domain.Proxy, req Requirements, cfg config.ProxyConfig, now time.Time) []Candidate {
	minScore := req.MinHealthScore
	if minScore == 0 {
		minScore = cfg.MinHealthScore
	}

	candidates := make([]Candidate, 0, len(proxies))
	for _, proxy := range proxies {
		if req.Type != "" && proxy.Type != req.Type {
			continue
		}
		if req.Location != "" && req.Location != anyLocation && !strings.EqualFold(proxy.Location, req.Location) {
			continue
		}
		score := proxy.HealthScore(now)
		if minScore >= 0 && score < minScore {
			continue
		}
		candidates = append(candidates, Candidate{Proxy: proxy, Score: score})
	}
	return candidates
}

// release frees one in-flight slot. It runs detached from ctx so a cancelled
// request still gives its slot back.
func (m *Manager) release(ctx context.Context, id string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	inflight, err := m.store.DecrIfPositive(releaseCtx, keys.ProxyInflight(id))
	if err != nil {
		log.Error("Failed to release proxy slot", "proxy_id", id, "error", err)
		return
	}
	m.metrics.SetProxyInflight(id, inflight)
}

// ReportUsage records the outcome of a request made through proxy and frees
// the slot GetProxy reserved.
func (m *Manager) ReportUsage(ctx context.Context, proxy *domain.Proxy, usage Usage) error {
	if proxy == nil || proxy.ID == "" {
		return errors.New("report usage: proxy has no id")
	}
	defer m.release(ctx, proxy.ID)

	cfg := m.settings()
	now := m.now()
	key := keys.Proxy(proxy.ID)

	host := usage.Host
	if host == "" {
		host = unknownUsageHost
	}
	m.metrics.ProxyRequest(proxy.Provider, string(proxy.Type), host, usage.Success, usage.ResponseTime)
	m.accrueCost(ctx, proxy, usage.BandwidthMB, now)

	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
	}
	if !exists {
		log.Debug("Usage reported for expired proxy record", "proxy_id", proxy.ID)
		return nil
	}

	outcome := fieldSuccesses
	if !usage.Success {
		outcome = fieldFailures
	}

	if _, err := m.store.HIncrBy(ctx, key, fieldRequests, 1); err != nil {
		return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
	}
	if _, err := m.store.HIncrBy(ctx, key, outcome, 1); err != nil {
		return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
	}
	if usage.BandwidthMB > 0 {
		if _, err := m.store.HIncrByFloat(ctx, key, fieldBandwidthMB, usage.BandwidthMB); err != nil {
			return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
		}
	}
	if usage.ResponseTime > 0 {
		sample := float64(usage.ResponseTime) / float64(time.Millisecond)
		if _, err := m.store.HEWMA(ctx, key, fieldResponseTimeMs, sample, cfg.EWMAAlpha); err != nil {
			return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
		}
	}
	if err := m.store.HSet(ctx, key, map[string]string{
		fieldLastError: usage.Err,
		fieldLastUsed:  formatTime(now),
	}); err != nil {
		return fmt.Errorf("report usage for %s: %w", proxy.ID, err)
	}

	record, ok, err := m.records.load(ctx, proxy.ID)
	if err != nil {
		return fmt.Errorf("reload proxy %s: %w", proxy.ID, err)
	}
	if !ok {
		return nil
	}
	m.metrics.SetProxyHealth(record.ID, record.Provider, record.HealthScore(now))

	if record.Requests > cfg.BurnMinRequests && record.FailureRate() > cfg.BurnFailureRate {
		if _, err := m.Burn(ctx, &record, "failure_rate"); err != nil {
			return fmt.Errorf("burn proxy %s: %w", proxy.ID, err)
		}
	}
	return nil
}

// Burn moves proxy from the active to the burned set. Only the caller that
// performed the move reports true and emits the alert.
func (m *Manager) Burn(ctx context.Context, proxy *domain.Proxy, reason string) (bool, error) {
	moved, err := m.store.SMove(ctx, keys.ActiveProxies, keys.BurnedProxies, proxy.ID)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, nil
	}

	cfg := m.settings()
	now := m.now()

	if err := m.store.Expire(ctx, keys.Proxy(proxy.ID), cfg.BurnedRetention()); err != nil {
		log.Error("Failed to set retention on burned proxy", "proxy_id", proxy.ID, "error", err)
	}

	log.Warn("Burning proxy",
		"proxy", proxy.Redacted(),
		"provider", proxy.Provider,
		"failure_rate", fmt.Sprintf("%.1f%%", proxy.FailureRate()),
		"reason", reason,
	)
	m.metrics.ForgetProxy(proxy.ID, proxy.Provider)

	m.publishAlert(ctx, Alert{
		Message:  fmt.Sprintf("Proxy burned: %s proxy with %.1f%% failure rate", proxy.Provider, proxy.FailureRate()),
		Severity: SeverityWarning,
		ProxyURL: proxy.Redacted(),
	})

	if m.archive != nil {
		err := m.archive.RecordBurn(ctx, domain.BurnedProxy{
			ProxyID:     proxy.ID,
			Provider:    proxy.Provider,
			Type:        proxy.Type,
			Location:    proxy.Location,
			Reason:      reason,
			Requests:    proxy.Requests,
			Failures:    proxy.Failures,
			FailureRate: proxy.FailureRate(),
			HealthScore: proxy.HealthScore(now),
			BandwidthMB: proxy.TotalBandwidthMB,
			LastError:   proxy.LastError,
			BurnedAt:    now,
		})
		if err != nil {
			log.Error("Failed to archive burned proxy", "proxy_id", proxy.ID, "error", err)
		}
	}

	m.refreshPoolGauges(ctx)
	return true, nil
}

// BurnByID burns the proxy stored under id.
func (m *Manager) BurnByID(ctx context.Context, id, reason string) (bool, error) {
	proxy, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.Burn(ctx, proxy, reason)
}

// Get loads a single proxy record.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Proxy, error) {
	proxy, ok, err := m.records.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	return &proxy, nil
}

// Provision asks every provider for its share of count new proxies and
// activates those not already known. It returns how many were added.
func (m *Manager) Provision(ctx context.Context, count int) (int, error) {
	all := m.providers.All()
	if len(all) == 0 {
		return 0, ErrNoProviders
	}
	if count <= 0 {
		return 0, nil
	}

	log.Info("Provisioning proxies", "count", count, "providers", len(all))

	share := count / len(all)
	extra := count % len(all)
	now := m.now()

	var added atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range all {
		n := share
		if i < extra {
			n++
		}
		if n == 0 {
			continue
		}

		g.Go(func() error {
			proxies, err := provider.GetProxies(gctx, n)
			if err != nil {
				log.Error("Failed to provision proxies", "provider", provider.Name(), "error", err)
				return nil
			}

			fresh := 0
			for _, proxy := range proxies {
				id := proxy.EnsureID()
				known, err := m.records.isKnown(gctx, id)
				if err != nil {
					return err
				}
				if known {
					continue
				}
				if proxy.CreatedAt.IsZero() {
					proxy.CreatedAt = now
				}
				if err := m.records.save(gctx, proxy); err != nil {
					return err
				}
				if err := m.records.activate(gctx, id); err != nil {
					return err
				}
				fresh++
			}

			added.Add(int64(fresh))
			log.Info("Provisioned proxies", "provider", provider.Name(), "count", fresh)
			return nil
		})
	}

	err := g.Wait()
	m.refreshPoolGauges(ctx)
	return int(added.Load()), err
}

// Rotate gives the proxy a new upstream session from its provider. The
// record keeps its id and counters.
func (m *Manager) Rotate(ctx context.Context, id string) (*domain.Proxy, error) {
	proxy, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	provider, err := m.providers.Get(proxy.Provider)
	if err != nil {
		return nil, err
	}

	rotated, err := provider.RotateIP(ctx, *proxy)
	if err != nil {
		return nil, fmt.Errorf("rotate proxy %s: %w", id, err)
	}
	rotated.ID = proxy.ID
	if rotated.RotatedAt.IsZero() {
		rotated.RotatedAt = m.now()
	}

	if err := m.records.saveSession(ctx, rotated); err != nil {
		return nil, err
	}

	log.Info("Rotated proxy session", "proxy_id", id, "provider", proxy.Provider)
	return &rotated, nil
}

type HealthBreakdown struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`
}

type Stats struct {
	Active          int64           `json:"active"`
	Burned          int64           `json:"burned"`
	Providers       []string        `json:"providers"`
	CostToday       float64         `json:"cost_today"`
	HealthBreakdown HealthBreakdown `json:"health_breakdown"`
	TakenAt         time.Time       `json:"taken_at"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	now := m.now()

	burned, err := m.store.SCard(ctx, keys.BurnedProxies)
	if err != nil {
		return Stats{}, err
	}
	proxies, err := m.records.loadActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	costToday, err := m.costForDay(ctx, now)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Active:    int64(len(proxies)),
		Burned:    burned,
		Providers: m.providers.Names(),
		CostToday: costToday,
		TakenAt:   now.UTC(),
	}
	for _, proxy := range proxies {
		switch reputation.LabelFromScore(proxy.HealthScore(now)) {
		case reputation.LabelExcellent:
			stats.HealthBreakdown.Excellent++
		case reputation.LabelGood:
			stats.HealthBreakdown.Good++
		case reputation.LabelFair:
			stats.HealthBreakdown.Fair++
		default:
			stats.HealthBreakdown.Poor++
		}
	}
	return stats, nil
}

// Load logs the persisted pool and tops it up when it is below the
// configured minimum.
func (m *Manager) Load(ctx context.Context) error {
	cfg := m.settings()

	active, err := m.store.SCard(ctx, keys.ActiveProxies)
	if err != nil {
		return err
	}
	burned, err := m.store.SCard(ctx, keys.BurnedProxies)
	if err != nil {
		return err
	}
	m.metrics.SetPoolSize(active, burned)
	log.Info("Loaded proxy pool", "active", active, "burned", burned)

	if active < int64(cfg.MinHealthy) && m.providers.Len() > 0 {
		if _, err := m.Provision(ctx, cfg.TargetHealthy); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown persists the final pool statistics.
func (m *Manager) Shutdown(ctx context.Context) error {
	stats, err := m.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collect final stats: %w", err)
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, keys.FinalStats, string(payload), 0); err != nil {
		return fmt.Errorf("save final stats: %w", err)
	}

	if m.archive != nil {
		err := m.archive.RecordPoolSnapshot(ctx, domain.PoolSnapshot{
			Active:    stats.Active,
			Burned:    stats.Burned,
			Excellent: stats.HealthBreakdown.Excellent,
			Good:      stats.HealthBreakdown.Good,
			Fair:      stats.HealthBreakdown.Fair,
			Poor:      stats.HealthBreakdown.Poor,
			CostToday: stats.CostToday,
			TakenAt:   stats.TakenAt,
		})
		if err != nil {
			log.Error("Failed to archive pool snapshot", "error", err)
		}
	}

	log.Info("Proxy manager stopped", "active", stats.Active, "burned", stats.Burned, "cost_today", strconv.FormatFloat(stats.CostToday, 'f', 2, 64))
	return nil
}

func (m *Manager) refreshPoolGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	active, err := m.store.SCard(ctx, keys.ActiveProxies)
	if err != nil {
		return
	}
	burned, err := m.store.SCard(ctx, keys.BurnedProxies)
	if err != nil {
		return
	}
	m.metrics.SetPoolSize(active, burned)
}
