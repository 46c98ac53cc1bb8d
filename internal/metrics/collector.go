// Package metrics is the Prometheus sink for the gateway. Every recording
// method is safe on a nil *Collector so components can run without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "snpd"

var latencyBucketsMs = []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000}

type Collector struct {
	registry *prometheus.Registry

	rateAllowed *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	rateDropped *prometheus.CounterVec
	rateTokens  *prometheus.GaugeVec

	concurrency prometheus.Gauge
	queueDepth  prometheus.Gauge

	cacheHits        *prometheus.CounterVec
	cacheMiss        *prometheus.CounterVec
	cacheStale       *prometheus.CounterVec
	cacheFillPending *prometheus.GaugeVec

	proxyRequests *prometheus.CounterVec
	proxyInflight *prometheus.GaugeVec
	proxyHealth   *prometheus.GaugeVec
	proxyLatency  *prometheus.HistogramVec
	proxyActive   prometheus.Gauge
	proxyBurned   prometheus.Gauge
	proxyCost     *prometheus.CounterVec
}

// NewCollector registers every gateway metric on registry. A nil registry
// gets a private one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: registry,

		rateAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_allowed_total",
			Help: "Requests allowed by a rate limit tier.",
		}, []string{"scope"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by a rate limit tier.",
		}, []string{"scope"}),
		rateDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_dropped_total",
			Help: "Requests dropped before reaching the limiter.",
		}, []string{"scope"}),
		rateTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_tokens",
			Help: "Tokens left in the last bucket touched per tier.",
		}, []string{"scope"}),

		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "concurrency_current",
			Help: "Requests currently admitted.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Admitted requests waiting for an execution slot.",
		}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Fresh cache hits.",
		}, []string{"route"}),
		cacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_miss_total",
			Help: "Cache misses.",
		}, []string{"route"}),
		cacheStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_stale_total",
			Help: "Stale entries served while refreshing.",
		}, []string{"route"}),
		cacheFillPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_fill_inflight",
			Help: "Background cache refreshes in progress.",
		}, []string{"route"}),

		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_requests_total",
			Help: "Outbound requests per proxy outcome.",
		}, []string{"provider", "type", "host", "status"}),
		proxyInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_inflight",
			Help: "Requests in flight per proxy.",
		}, []string{"proxy_id"}),
		proxyHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_health_score",
			Help: "Health score per proxy.",
		}, []string{"proxy_id", "provider"}),
		proxyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "proxy_latency_ms",
			Help:    "Outbound latency through proxies in milliseconds.",
			Buckets: latencyBucketsMs,
		}, []string{"provider", "type", "host"}),
		proxyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_active_total",
			Help: "Proxies in the active set.",
		}),
		proxyBurned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_burned_total",
			Help: "Proxies in the burned set.",
		}),
		proxyCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_cost_usd_total",
			Help: "Accrued proxy spend in USD.",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		c.rateAllowed, c.rateLimited, c.rateDropped, c.rateTokens,
		c.concurrency, c.queueDepth,
		c.cacheHits, c.cacheMiss, c.cacheStale, c.cacheFillPending,
		c.proxyRequests, c.proxyInflight, c.proxyHealth, c.proxyLatency,
		c.proxyActive, c.proxyBurned, c.proxyCost,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) RateAllowed(scope string, tokens float64) {
	if c == nil {
		return
	}
	c.rateAllowed.WithLabelValues(scope).Inc()
	c.rateTokens.WithLabelValues(scope).Set(tokens)
}

func (c *Collector) RateLimited(scope string, tokens float64) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(scope).Inc()
	c.rateTokens.WithLabelValues(scope).Set(tokens)
}

func (c *Collector) RateDropped(scope string) {
	if c == nil {
		return
	}
	c.rateDropped.WithLabelValues(scope).Inc()
}

func (c *Collector) SetConcurrency(current, queued int64) {
	if c == nil {
		return
	}
	c.concurrency.Set(float64(current))
	c.queueDepth.Set(float64(queued))
}

func (c *Collector) CacheHit(route string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(route).Inc()
}

func (c *Collector) CacheMiss(route string) {
	if c == nil {
		return
	}
	c.cacheMiss.WithLabelValues(route).Inc()
}

func (c *Collector) CacheStale(route string) {
	if c == nil {
		return
	}
	c.cacheStale.WithLabelValues(route).Inc()
}

func (c *Collector) CacheFillStarted(route string) {
	if c == nil {
		return
	}
	c.cacheFillPending.WithLabelValues(route).Inc()
}

func (c *Collector) CacheFillFinished(route string) {
	if c == nil {
		return
	}
	c.cacheFillPending.WithLabelValues(route).Dec()
}

// ProxyRequest records one outbound request through a proxy.
func (c *Collector) ProxyRequest(provider, proxyType, host string, success bool, latency time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if !success {
		status = "err"
	}
	c.proxyRequests.WithLabelValues(provider, proxyType, host, status).Inc()
	c.proxyLatency.WithLabelValues(provider, proxyType, host).Observe(float64(latency) / float64(time.Millisecond))
}

func (c *Collector) SetProxyInflight(proxyID string, inflight int64) {
	if c == nil {
		return
	}
	c.proxyInflight.WithLabelValues(proxyID).Set(float64(inflight))
}

func (c *Collector) SetProxyHealth(proxyID, provider string, score float64) {
	if c == nil {
		return
	}
	c.proxyHealth.WithLabelValues(proxyID, provider).Set(score)
}

// ForgetProxy drops the per-proxy series of a proxy that left rotation.
func (c *Collector) ForgetProxy(proxyID, provider string) {
	if c == nil {
		return
	}
	c.proxyInflight.DeleteLabelValues(proxyID)
	c.proxyHealth.DeleteLabelValues(proxyID, provider)
}

func (c *Collector) SetPoolSize(active, burned int64) {
	if c == nil {
		return
	}
	c.proxyActive.Set(float64(active))
	c.proxyBurned.Set(float64(burned))
}

func (c *Collector) AddProxyCost(provider string, usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.proxyCost.WithLabelValues(provider).Add(usd)
}
