package proxypool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sniper/internal/config"
	"sniper/internal/domain"
	"sniper/internal/providers"
	"sniper/internal/store"
)

type fakeProvider struct {
	name      string
	proxyType domain.ProxyType
	url       string
	sticky    bool

	mu        sync.Mutex
	issued    int
	rotations int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) GetProxies(_ context.Context, count int) ([]domain.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.Proxy, 0, count)
	for i := 0; i < count; i++ {
		n := f.issued
		f.issued++
		p := domain.Proxy{
			URL:      f.url,
			Provider: f.name,
			Type:     f.proxyType,
			Location: "us",
			Username: fmt.Sprintf("user-%d", n),
			Password: "pw",
		}
		if f.sticky {
			p.StickySessionID = fmt.Sprintf("session-%d", n)
		}
		p.EnsureID()
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProvider) RotateIP(_ context.Context, p domain.Proxy) (domain.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
	p.StickySessionID = fmt.Sprintf("rotated-%d", f.rotations)
	p.Username = "rotated-" + p.Username
	return p, nil
}

func (f *fakeProvider) rotationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotations
}

type recordingArchive struct {
	mu        sync.Mutex
	burns     []domain.BurnedProxy
	costs     []domain.CostSnapshot
	snapshots []domain.PoolSnapshot
}

func (a *recordingArchive) RecordBurn(_ context.Context, b domain.BurnedProxy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.burns = append(a.burns, b)
	return nil
}

func (a *recordingArchive) RecordCost(_ context.Context, s []domain.CostSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.costs = append(a.costs, s...)
	return nil
}

func (a *recordingArchive) RecordPoolSnapshot(_ context.Context, s domain.PoolSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots = append(a.snapshots, s)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testProxySettings(t *testing.T) config.ProxyConfig {
	t.Helper()
	cfg, err := config.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig returned error: %v", err)
	}
	return cfg.Proxy
}

type testPool struct {
	manager  *Manager
	store    *store.MemoryStore
	provider *fakeProvider
	archive  *recordingArchive
	clock    *testClock
	settings *config.ProxyConfig
}

func newTestPool(t *testing.T, provider *fakeProvider, opts ...Option) *testPool {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	if provider == nil {
		provider = &fakeProvider{name: "fake", proxyType: domain.ProxyResidential, url: "http://127.0.0.1:3128"}
	}

	settings := testProxySettings(t)
	pool := &testPool{
		store:    st,
		provider: provider,
		archive:  &recordingArchive{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		settings: &settings,
	}

	base := []Option{
		WithArchive(pool.archive),
		WithClock(pool.clock.Now),
		WithSettings(func() config.ProxyConfig { return *pool.settings }),
	}
	pool.manager = NewManager(st, providers.NewRegistry(provider), append(base, opts...)...)
	return pool
}

func (p *testPool) inflight(t *testing.T, id string) int64 {
	t.Helper()
	raw, ok, err := p.store.Get(context.Background(), "snpd:proxy:"+id+":inflight")
	if err != nil {
		t.Fatalf("read inflight: %v", err)
	}
	if !ok {
		return 0
	}
	return parseInt(raw)
}
