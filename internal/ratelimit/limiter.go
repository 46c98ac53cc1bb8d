// Package ratelimit guards the API with hierarchical token buckets kept in
// the shared store and a per-process admission controller.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"sniper/internal/config"
	"sniper/internal/keys"
	"sniper/internal/metrics"
	"sniper/internal/store"
)

const (
	TierGlobal = "global"
	TierRoute  = "route"
	TierUser   = "user"
	TierIP     = "ip"

	unknownIP = "unknown"
)

// Scope identifies the buckets a request draws from.
type Scope struct {
	Route string
	User  string
	IP    string
}

// Decision is the outcome of Check. Tier names the bucket that rejected
// the request.
type Decision struct {
	Allowed    bool
	Tier       string
	Remaining  float64
	RetryAfter time.Duration
}

type Limiter struct {
	store    store.Store
	metrics  *metrics.Collector
	settings func() config.RateLimitConfig
	now      func() time.Time
}

type Option func(*Limiter)

func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithSettings(settings func() config.RateLimitConfig) Option {
	return func(l *Limiter) { l.settings = settings }
}

func NewLimiter(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:    st,
		settings: func() config.RateLimitConfig { return config.GetConfig().RateLimit },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type tier struct {
	name     string
	key      string
	capacity float64
	rate     float64
}

func tiersFor(cfg config.RateLimitConfig, scope Scope) []tier {
	ip := scope.IP
	if ip == "" {
		ip = unknownIP
	}
	return []tier{
		{TierGlobal, keys.GlobalBucket, cfg.CapacityGlobal, cfg.RateGlobal},
		{TierRoute, keys.RouteBucket(NormalizeRoute(scope.Route)), cfg.CapacityRoute, cfg.RateRoute},
		{TierUser, keys.UserBucket(scope.User), cfg.CapacityUser, cfg.RateUser},
		{TierIP, keys.IPBucket(ip), cfg.CapacityIP, cfg.RateIP},
	}
}

// Check debits one request from each enabled tier in order global, route,
// user, ip and stops at the first tier without enough tokens. A store error
// is returned with an allowing decision so callers can fail open.
func (l *Limiter) Check(ctx context.Context, scope Scope) (Decision, error) {
	cfg := l.settings()
	now := l.now()

	decision := Decision{Allowed: true}
	for _, t := range tiersFor(cfg, scope) {
		if t.capacity <= 0 {
			continue
		}

		res, err := l.store.TakeToken(ctx, t.key, store.BucketRequest{
			Capacity: t.capacity,
			Rate:     t.rate,
			Cost:     cfg.CostPerRequest,
			Now:      now,
			TTL:      cfg.BucketTTL(),
		})
		if err != nil {
			l.metrics.RateDropped(t.name)
			return Decision{Allowed: true}, fmt.Errorf("rate limit %s tier: %w", t.name, err)
		}

		if !res.Allowed {
			l.metrics.RateLimited(t.name, res.Tokens)
			return Decision{
				Allowed:    false,
				Tier:       t.name,
				Remaining:  res.Tokens,
				RetryAfter: res.RetryAfter,
			}, nil
		}

		l.metrics.RateAllowed(t.name, res.Tokens)
		decision.Remaining = res.Tokens
	}
	return decision, nil
}
