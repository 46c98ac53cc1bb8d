package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"sniper/internal/auth"
	"sniper/internal/config"
	"sniper/internal/metrics"
	"sniper/internal/ratelimit"
	"sniper/internal/store"
)

const (
	HeaderCache = "X-Cache"

	StatusHit   = "HIT"
	StatusStale = "STALE"
	StatusMiss  = "MISS"
)

// SWR serves GET and HEAD responses from the store, refreshing stale ones
// in the background.
type SWR struct {
	store    store.Store
	metrics  *metrics.Collector
	settings func() config.CacheConfig
	now      func() time.Time

	refreshes singleflight.Group
}

type Option func(*SWR)

func WithMetrics(c *metrics.Collector) Option {
	return func(s *SWR) { s.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *SWR) { s.now = now }
}

func WithSettings(settings func() config.CacheConfig) Option {
	return func(s *SWR) { s.settings = settings }
}

func NewSWR(st store.Store, opts ...Option) *SWR {
	s := &SWR{
		store:    st,
		settings: func() config.CacheConfig { return config.GetConfig().Cache },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SWR) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		cfg := s.settings()
		body, ok := readBody(r, cfg.MaxBodyBytes)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		route := ratelimit.NormalizeRoute(r.URL.Path)
		key := Key(cfg.SigningSecret, r.URL.Path, auth.UserFromContext(r.Context()), r.URL.RawQuery, body)

		entry, found := s.lookup(r.Context(), key)
		if found {
			switch classify(entry.StoredAt, s.now(), cfg.DefaultTTL(), cfg.SWRTTL()) {
			case freshnessFresh:
				s.metrics.CacheHit(route)
				replay(w, r, entry, StatusHit)
				return
			case freshnessStale:
				s.metrics.CacheHit(route)
				s.metrics.CacheStale(route)
				s.refresh(next, r, body, key, route)
				replay(w, r, entry, StatusStale)
				return
			}
		}

		s.metrics.CacheMiss(route)
		w.Header().Set(HeaderCache, StatusMiss)

		capture := newResponseCapture(w, cfg.MaxBodyBytes)
		next.ServeHTTP(capture, r)

		if r.Method == http.MethodGet && capture.cacheable() {
			s.save(r.Context(), key, capture)
		}
	})
}

func (s *SWR) lookup(ctx context.Context, key string) (Entry, bool) {
	fields, err := s.store.HGetAll(ctx, key)
	if err != nil {
		log.Warn("Cache lookup failed", "error", err)
		return Entry{}, false
	}
	if len(fields) == 0 {
		return Entry{}, false
	}
	return entryFromFields(fields)
}

func (s *SWR) save(ctx context.Context, key string, capture *responseCapture) {
	entry := Entry{
		Body:        capture.body.Bytes(),
		Status:      capture.statusCode(),
		ContentType: capture.Header().Get("Content-Type"),
		StoredAt:    s.now(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// One write replaces every field; the entry is never absent.
	if err := s.store.HSetEx(ctx, key, entry.fields(), s.settings().SWRTTL()); err != nil {
		log.Warn("Cache store failed", "error", err)
	}
}

// refresh repopulates key in the background. Concurrent refreshes of one
// key within this process collapse into a single handler run.
func (s *SWR) refresh(next http.Handler, r *http.Request, body []byte, key, route string) {
	detached := r.Clone(context.WithoutCancel(r.Context()))
	detached.Method = http.MethodGet

	s.refreshes.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(detached.Context(), s.settings().RefreshTimeout())
		defer cancel()

		refreshReq := detached.WithContext(ctx)
		refreshReq.Body = io.NopCloser(bytes.NewReader(body))

		s.metrics.CacheFillStarted(route)
		defer s.metrics.CacheFillFinished(route)

		capture := newResponseCapture(nil, s.settings().MaxBodyBytes)
		next.ServeHTTP(capture, refreshReq)

		if !capture.cacheable() {
			log.Debug("Cache refresh not stored", "route", route, "status", capture.statusCode())
			return nil, nil
		}
		s.save(ctx, key, capture)
		return nil, nil
	})
}

func replay(w http.ResponseWriter, r *http.Request, entry Entry, status string) {
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set(HeaderCache, status)
	w.WriteHeader(entry.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(entry.Body)
}

// readBody buffers the request body for hashing and restores it for the
// handler. Bodies larger than limit bypass the cache.
func readBody(r *http.Request, limit int64) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true
	}

	original := r.Body
	data, err := io.ReadAll(io.LimitReader(original, limit+1))
	if err != nil || int64(len(data)) > limit {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), original), original}
		return nil, false
	}

	_ = original.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, true
}
