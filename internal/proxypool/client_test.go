package proxypool

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sniper/internal/domain"
)

type forwardProxy struct {
	mu     sync.Mutex
	auth   []string
	status int
}

func (f *forwardProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Proxy-Authorization"))
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("upstream:" + r.URL.Host))
}

func TestClientDoRoutesThroughProxy(t *testing.T) {
	upstream := &forwardProxy{}
	server := httptest.NewServer(upstream)
	defer server.Close()

	provider := &fakeProvider{name: "fake", proxyType: domain.ProxyDatacenter, url: server.URL}
	pool := newTestPool(t, provider)
	client := NewClient(pool.manager, 2*time.Second)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://target.example/path", nil)
	resp, err := client.Do(req, Requirements{})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "upstream:target.example" {
		t.Fatalf("response = %d %q", resp.StatusCode, resp.Body)
	}

	upstream.mu.Lock()
	gotAuth := upstream.auth[0]
	upstream.mu.Unlock()
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(resp.Proxy.Username+":pw"))
	if gotAuth != wantAuth {
		t.Fatalf("Proxy-Authorization = %q, want %q", gotAuth, wantAuth)
	}

	record, err := pool.manager.Get(context.Background(), resp.Proxy.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Requests != 1 || record.Successes != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", record.Requests, record.Successes)
	}
	if record.TotalBandwidthMB <= 0 {
		t.Fatal("bandwidth was not recorded")
	}
	if got := pool.inflight(t, record.ID); got != 0 {
		t.Fatalf("inflight = %d, want 0", got)
	}
}

func TestClientDoCountsErrorStatusAsFailure(t *testing.T) {
	server := httptest.NewServer(&forwardProxy{status: http.StatusBadGateway})
	defer server.Close()

	provider := &fakeProvider{name: "fake", proxyType: domain.ProxyDatacenter, url: server.URL}
	pool := newTestPool(t, provider)
	client := NewClient(pool.manager, 2*time.Second)

	req, _ := http.NewRequest(http.MethodGet, "http://target.example/", nil)
	resp, err := client.Do(req, Requirements{})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}

	record, _ := pool.manager.Get(context.Background(), resp.Proxy.ID)
	if record.Failures != 1 || !strings.Contains(record.LastError, "502") {
		t.Fatalf("failures = %d, last error %q", record.Failures, record.LastError)
	}
}

func TestClientDoReportsUnreachableProxy(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	provider := &fakeProvider{name: "fake", proxyType: domain.ProxyDatacenter, url: addr}
	pool := newTestPool(t, provider)
	client := NewClient(pool.manager, time.Second)

	req, _ := http.NewRequest(http.MethodGet, "http://target.example/", nil)
	if _, err := client.Do(req, Requirements{}); err == nil {
		t.Fatal("expected a transport error")
	}

	proxies, _ := pool.manager.records.loadActive(context.Background())
	failures := int64(0)
	for _, p := range proxies {
		failures += p.Failures
		if got := pool.inflight(t, p.ID); got != 0 {
			t.Fatalf("inflight of %s = %d, want 0", p.ID, got)
		}
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}
}

func TestClientDoWithoutProxy(t *testing.T) {
	pool := newTestPool(t, nil)
	client := NewClient(pool.manager, time.Second)

	req, _ := http.NewRequest(http.MethodGet, "http://target.example/", nil)
	if _, err := client.Do(req, Requirements{Type: domain.ProxyISP}); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("Do error = %v, want ErrNoProxyAvailable", err)
	}
}

func TestNewTransportRejectsUnknownScheme(t *testing.T) {
	if _, err := newTransport(&domain.Proxy{URL: "ftp://10.0.0.1:21"}, time.Second); err == nil {
		t.Fatal("expected an error for ftp proxies")
	}
	transport, err := newTransport(&domain.Proxy{URL: "socks5://10.0.0.1:1080", Username: "u", Password: "p"}, time.Second)
	if err != nil {
		t.Fatalf("socks5 transport returned error: %v", err)
	}
	if transport.Proxy != nil {
		t.Fatal("socks5 transport must dial directly through the socks dialer")
	}
}
