package proxypool

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"sniper/internal/config"
	"sniper/internal/keys"
	"sniper/internal/support"
)

const (
	jobHealth   = "proxy_health"
	jobCost     = "proxy_cost"
	jobRotation = "proxy_rotation"

	dailyCostSpec = "5 0 * * *"
)

// Schedule feeds each upkeep loop its interval. Every channel delivers the
// current interval first and later changes after that.
type Schedule struct {
	Health   <-chan time.Duration
	Cost     <-chan time.Duration
	Rotation <-chan time.Duration
}

func ScheduleFromConfig() Schedule {
	return Schedule{
		Health:   config.HealthMonitorIntervalUpdates(),
		Cost:     config.CostMonitorIntervalUpdates(),
		Rotation: config.RotationIntervalUpdates(),
	}
}

// Start runs the upkeep loops until ctx is done. Each loop only runs on the
// node holding its leader lock.
func (m *Manager) Start(ctx context.Context, schedule Schedule) error {
	if err := m.Load(ctx); err != nil {
		log.Warn("Initial proxy pool load failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.runLoop(gctx, jobHealth, schedule.Health, m.CheckHealth, nil)
	})
	g.Go(func() error {
		return m.runLoop(gctx, jobCost, schedule.Cost, m.CheckCosts, m.runDailyCostArchive)
	})
	g.Go(func() error {
		return m.runLoop(gctx, jobRotation, schedule.Rotation, m.RotateIdle, nil)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLoop calls step on every tick while this node leads job. sidecar, when
// set, runs alongside for as long as leadership is held.
func (m *Manager) runLoop(ctx context.Context, job string, updates <-chan time.Duration, step func(context.Context) error, sidecar func(context.Context)) error {
	interval := newIntervalTracker(ctx, updates)

	return support.RunWithLeader(ctx, m.store, keys.Leader(job), support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		log.Info("Started proxy upkeep loop", "job", job, "interval", interval.get())
		if sidecar != nil {
			go sidecar(leaderCtx)
		}

		ticker := time.NewTicker(interval.get())
		defer ticker.Stop()

		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-interval.changed:
				ticker.Reset(interval.get())
				log.Info("Proxy upkeep interval changed", "job", job, "interval", interval.get())
			case <-ticker.C:
				if err := step(leaderCtx); err != nil && leaderCtx.Err() == nil {
					log.Error("Proxy upkeep iteration failed", "job", job, "error", err)
				}
			}
		}
	})
}

type intervalTracker struct {
	value   atomic.Int64
	changed chan struct{}
}

func newIntervalTracker(ctx context.Context, updates <-chan time.Duration) *intervalTracker {
	t := &intervalTracker{changed: make(chan struct{}, 1)}
	t.value.Store(int64(time.Minute))

	select {
	case first := <-updates:
		if first > 0 {
			t.value.Store(int64(first))
		}
	default:
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				if next <= 0 || time.Duration(t.value.Load()) == next {
					continue
				}
				t.value.Store(int64(next))
				select {
				case t.changed <- struct{}{}:
				default:
				}
			}
		}
	}()

	return t
}

func (t *intervalTracker) get() time.Duration {
	return time.Duration(t.value.Load())
}

// CheckHealth classifies the active pool, burns critical proxies and tops
// the pool up when too few are healthy.
func (m *Manager) CheckHealth(ctx context.Context) error {
	cfg := m.settings()
	now := m.now()

	proxies, err := m.records.loadActive(ctx)
	if err != nil {
		return err
	}

	healthy, unhealthy := 0, 0
	for i := range proxies {
		proxy := &proxies[i]
		score := proxy.HealthScore(now)
		m.metrics.SetProxyHealth(proxy.ID, proxy.Provider, score)

		if score >= cfg.HealthyThreshold {
			healthy++
			continue
		}
		unhealthy++
		if score < cfg.CriticalHealth {
			if _, err := m.Burn(ctx, proxy, "critical_health"); err != nil {
				log.Error("Failed to burn unhealthy proxy", "proxy_id", proxy.ID, "error", err)
			}
		}
	}

	if healthy < cfg.MinHealthy && m.providers.Len() > 0 {
		if _, err := m.Provision(ctx, cfg.TargetHealthy-healthy); err != nil {
			log.Error("Failed to top up proxy pool", "error", err)
		}
	}

	if err := m.store.HSet(ctx, keys.MetricsHealth, map[string]string{
		"healthy":    strconv.Itoa(healthy),
		"unhealthy":  strconv.Itoa(unhealthy),
		"total":      strconv.Itoa(len(proxies)),
		"last_check": formatTime(now),
	}); err != nil {
		return err
	}

	if pruned, err := m.records.pruneBurned(ctx); err != nil {
		log.Warn("Failed to prune burned proxies", "error", err)
	} else if pruned > 0 {
		log.Debug("Pruned expired burned proxies", "count", pruned)
	}

	m.refreshPoolGauges(ctx)
	log.Debug("Proxy health checked", "healthy", healthy, "unhealthy", unhealthy, "total", len(proxies))
	return nil
}

// RotateIdle rotates sticky sessions that sat idle past the configured TTL.
func (m *Manager) RotateIdle(ctx context.Context) error {
	cfg := m.settings()
	now := m.now()
	idleTTL := cfg.StickyIdleTTL()

	proxies, err := m.records.loadActive(ctx)
	if err != nil {
		return err
	}

	for _, proxy := range proxies {
		if proxy.StickySessionID == "" {
			continue
		}
		last := proxy.LastUsed
		if proxy.RotatedAt.After(last) {
			last = proxy.RotatedAt
		}
		if last.IsZero() {
			last = proxy.CreatedAt
		}
		if last.IsZero() || now.Sub(last) <= idleTTL {
			continue
		}
		if _, err := m.Rotate(ctx, proxy.ID); err != nil {
			log.Error("Failed to rotate idle sticky session", "proxy_id", proxy.ID, "error", err)
		}
	}
	return nil
}

// runDailyCostArchive archives the previous UTC day's spend shortly after
// midnight.
func (m *Manager) runDailyCostArchive(ctx context.Context) {
	scheduler := cron.New(cron.WithLocation(time.UTC))
	_, err := scheduler.AddFunc(dailyCostSpec, func() {
		day := m.now().UTC().Add(-24 * time.Hour)
		if err := m.ArchiveDailyCost(ctx, day); err != nil {
			log.Error("Failed to archive daily proxy cost", "day", day.Format(costDayLayout), "error", err)
		}
	})
	if err != nil {
		log.Error("Failed to schedule daily cost archive", "error", err)
		return
	}

	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
}
