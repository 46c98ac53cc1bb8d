package proxypool

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"sniper/internal/domain"
	"sniper/internal/keys"
)

func TestCheckHealthBurnsCriticalAndTopsUp(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx := context.Background()

	lastUsed := pool.clock.Now().Add(-48 * time.Hour)
	dead := domain.Proxy{
		URL:              "http://10.0.0.9:3128",
		Provider:         "fake",
		Type:             domain.ProxyResidential,
		Location:         "us",
		Requests:         20,
		Failures:         20,
		ResponseTimeEWMA: 5000,
		LastUsed:         lastUsed,
	}
	dead.EnsureID()
	if err := pool.manager.records.save(ctx, dead); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := pool.manager.records.activate(ctx, dead.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := pool.manager.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth returned error: %v", err)
	}

	if burned, _ := pool.store.SIsMember(ctx, keys.BurnedProxies, dead.ID); !burned {
		t.Fatal("critical proxy was not burned")
	}

	active, _ := pool.store.SCard(ctx, keys.ActiveProxies)
	if active != int64(pool.settings.TargetHealthy) {
		t.Fatalf("active = %d, want %d", active, pool.settings.TargetHealthy)
	}

	health, _ := pool.store.HGetAll(ctx, keys.MetricsHealth)
	if health["healthy"] != "0" || health["unhealthy"] != "1" || health["total"] != "1" {
		t.Fatalf("health hash = %v", health)
	}
	if health["last_check"] == "" {
		t.Fatal("last_check missing")
	}
}

func TestCheckHealthPrunesExpiredBurnedIDs(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx := context.Background()

	if _, err := pool.store.SAdd(ctx, keys.BurnedProxies, "gone"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	pool.settings.MinHealthy = 0

	if err := pool.manager.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth returned error: %v", err)
	}
	if ok, _ := pool.store.SIsMember(ctx, keys.BurnedProxies, "gone"); ok {
		t.Fatal("burned id without a record should be pruned")
	}
}

func TestRotateIdleRotatesOnlyStaleStickySessions(t *testing.T) {
	provider := &fakeProvider{name: "fake", proxyType: domain.ProxyISP, url: "http://127.0.0.1:3128", sticky: true}
	pool := newTestPool(t, provider)
	ctx := context.Background()

	if _, err := pool.manager.Provision(ctx, 2); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}
	ids, _ := pool.store.SMembers(ctx, keys.ActiveProxies)

	pool.clock.Advance(20 * time.Minute)
	if err := pool.manager.records.touch(ctx, ids[0], pool.clock.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if err := pool.manager.RotateIdle(ctx); err != nil {
		t.Fatalf("RotateIdle returned error: %v", err)
	}
	if got := provider.rotationCount(); got != 1 {
		t.Fatalf("rotations = %d, want 1", got)
	}

	idle, _ := pool.manager.Get(ctx, ids[1])
	if idle.StickySessionID != "rotated-1" {
		t.Fatalf("idle proxy session = %q, want rotated-1", idle.StickySessionID)
	}

	if err := pool.manager.RotateIdle(ctx); err != nil {
		t.Fatalf("second RotateIdle returned error: %v", err)
	}
	if got := provider.rotationCount(); got != 1 {
		t.Fatalf("freshly rotated session rotated again, rotations = %d", got)
	}
}

func TestUsageCost(t *testing.T) {
	cfg := testProxySettings(t)

	cases := []struct {
		proxyType domain.ProxyType
		mb        float64
		want      float64
	}{
		{domain.ProxyResidential, 1024, 15.001},
		{domain.ProxyISP, 512, 1.5},
		{domain.ProxyDatacenter, 2048, 1},
		{domain.ProxyType("mobile"), 1024, 1},
	}
	for _, tc := range cases {
		if got := UsageCost(cfg, tc.proxyType, tc.mb); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("UsageCost(%s, %v) = %v, want %v", tc.proxyType, tc.mb, got, tc.want)
		}
	}
}

func TestCostAccrualAndHourlyCheck(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts, err := pool.store.Subscribe(ctx, keys.SystemAlertsChannel)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	proxy, err := pool.manager.GetProxy(ctx, Requirements{})
	if err != nil {
		t.Fatalf("GetProxy returned error: %v", err)
	}
	if err := pool.manager.ReportUsage(ctx, proxy, Usage{Success: true, BandwidthMB: 1024}); err != nil {
		t.Fatalf("ReportUsage returned error: %v", err)
	}

	pool.clock.Advance(time.Hour)
	if err := pool.manager.CheckCosts(ctx); err != nil {
		t.Fatalf("CheckCosts returned error: %v", err)
	}

	hourly, _ := pool.store.HGetAll(ctx, keys.MetricsCostHourly)
	if hourly["fake"] != "15" {
		t.Fatalf("hourly breakdown = %v, want fake=15", hourly)
	}
	today, _, _ := pool.store.Get(ctx, keys.MetricsCostToday)
	if today != "15" {
		t.Fatalf("cost today = %q, want 15", today)
	}

	select {
	case msg := <-alerts:
		var envelope alertEnvelope
		if err := json.Unmarshal([]byte(msg), &envelope); err != nil {
			t.Fatalf("decode alert: %v", err)
		}
		if envelope.Payload.Breakdown["fake"] != 15 {
			t.Fatalf("alert breakdown = %v", envelope.Payload.Breakdown)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a cost alert")
	}
}

func TestArchiveDailyCost(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx := context.Background()

	day := pool.clock.Now()
	if _, err := pool.store.HIncrByFloat(ctx, keys.CostDay(day), "fake", 3.5); err != nil {
		t.Fatalf("seed cost: %v", err)
	}

	if err := pool.manager.ArchiveDailyCost(ctx, day); err != nil {
		t.Fatalf("ArchiveDailyCost returned error: %v", err)
	}
	if len(pool.archive.costs) != 1 {
		t.Fatalf("cost snapshots = %d, want 1", len(pool.archive.costs))
	}
	got := pool.archive.costs[0]
	if got.Day != "20260301" || got.Provider != "fake" || got.CostUSD != 3.5 {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestCostReport(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx := context.Background()
	now := pool.clock.Now()

	seeds := map[string]float64{
		keys.CostDay(now):                   3.456,
		keys.CostDay(now.AddDate(0, 0, -1)): 2,
		keys.CostHour(now.Add(-time.Hour)):  1.234,
	}
	for key, value := range seeds {
		if _, err := pool.store.HIncrByFloat(ctx, key, "fake", value); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	report, err := pool.manager.CostReport(ctx, 3)
	if err != nil {
		t.Fatalf("CostReport returned error: %v", err)
	}
	if report.TodayTotal != 3.46 || report.Today["fake"] != 3.46 {
		t.Fatalf("today = %v (%v), want 3.46", report.Today, report.TodayTotal)
	}
	if report.LastHour["fake"] != 1.23 {
		t.Fatalf("last hour = %v, want fake=1.23", report.LastHour)
	}

	want := []DailyCost{{"20260301", 3.46}, {"20260228", 2}, {"20260227", 0}}
	if len(report.Days) != len(want) {
		t.Fatalf("days = %v, want %v", report.Days, want)
	}
	for i := range want {
		if report.Days[i] != want[i] {
			t.Fatalf("day %d = %+v, want %+v", i, report.Days[i], want[i])
		}
	}
}

func TestStartRunsUpkeepUntilCancelled(t *testing.T) {
	pool := newTestPool(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	tick := func() <-chan time.Duration {
		ch := make(chan time.Duration, 1)
		ch <- 20 * time.Millisecond
		return ch
	}

	done := make(chan error, 1)
	go func() {
		done <- pool.manager.Start(ctx, Schedule{Health: tick(), Cost: tick(), Rotation: tick()})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if ok, _ := pool.store.Exists(context.Background(), keys.MetricsHealth); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("health loop never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
