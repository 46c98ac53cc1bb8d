package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsRateDecisions(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.RateAllowed("ip", 4)
	c.RateAllowed("ip", 3)
	c.RateLimited("global", 0)

	if got := testutil.ToFloat64(c.rateAllowed.WithLabelValues("ip")); got != 2 {
		t.Fatalf("allowed[ip] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rateTokens.WithLabelValues("ip")); got != 3 {
		t.Fatalf("tokens[ip] = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.rateLimited.WithLabelValues("global")); got != 1 {
		t.Fatalf("limited[global] = %v, want 1", got)
	}
}

func TestCollectorProxyMetrics(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.ProxyRequest("oxylabs", "residential", "example.com", true, 120*time.Millisecond)
	c.ProxyRequest("oxylabs", "residential", "example.com", false, 3*time.Second)
	c.SetProxyHealth("p1", "oxylabs", 88)
	c.AddProxyCost("oxylabs", 0.25)
	c.AddProxyCost("oxylabs", -1)
	c.SetPoolSize(7, 2)

	if got := testutil.ToFloat64(c.proxyRequests.WithLabelValues("oxylabs", "residential", "example.com", "err")); got != 1 {
		t.Fatalf("err requests = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.proxyLatency); got != 1 {
		t.Fatalf("latency series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.proxyCost.WithLabelValues("oxylabs")); got != 0.25 {
		t.Fatalf("cost = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(c.proxyActive); got != 7 {
		t.Fatalf("active = %v, want 7", got)
	}

	c.ForgetProxy("p1", "oxylabs")
	if got := testutil.CollectAndCount(c.proxyHealth); got != 0 {
		t.Fatalf("health series after forget = %d, want 0", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RateAllowed("ip", 1)
	c.CacheHit("/x")
	c.SetConcurrency(1, 0)
	c.ProxyRequest("a", "b", "c", true, time.Millisecond)
}

func TestHandlerExposesNamespace(t *testing.T) {
	c := NewCollector("", nil)
	c.CacheMiss("/api/proxies/stats")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "snpd_cache_miss_total") {
		t.Fatalf("metrics output missing snpd_cache_miss_total:\n%s", body)
	}
}
