package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/auth"
	"sniper/internal/cache"
	"sniper/internal/config"
	"sniper/internal/database"
	"sniper/internal/metrics"
	"sniper/internal/proxypool"
	"sniper/internal/ratelimit"
)

const shutdownTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// Deps are the components the HTTP surface is built from. Archive, the
// guard layers and Settings are optional.
type Deps struct {
	Manager   *proxypool.Manager
	Limiter   *ratelimit.Limiter
	Admission *ratelimit.Admission
	Cache     *cache.SWR
	Strategy  *cache.Strategy
	Metrics   *metrics.Collector
	Archive   *database.Archive
	Settings  func() config.Config
}

type Server struct {
	deps     Deps
	settings func() config.Config
	now      func() time.Time
}

func New(deps Deps) *Server {
	settings := deps.Settings
	if settings == nil {
		settings = config.GetConfig
	}
	return &Server{deps: deps, settings: settings, now: time.Now}
}

// Handler assembles the routes. Everything under /api passes through the
// request log, security headers, admission, identity, rate limit and
// cache layers in that order.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/version", getVersion)
	api.HandleFunc("GET /api/proxies/stats", s.getProxyStats)
	api.HandleFunc("GET /api/proxies/cost", s.getProxyCost)
	api.HandleFunc("GET /api/proxies/burned", s.getBurnedProxies)
	api.HandleFunc("GET /api/proxies/{id}", s.getProxy)
	api.Handle("POST /api/proxies/provision", auth.RequireAuth(http.HandlerFunc(s.provisionProxies)))
	api.Handle("POST /api/proxies/{id}/burn", auth.RequireAuth(http.HandlerFunc(s.burnProxy)))
	api.Handle("POST /api/proxies/{id}/rotate", auth.RequireAuth(http.HandlerFunc(s.rotateProxy)))

	var chain http.Handler = api
	if s.deps.Cache != nil {
		chain = s.deps.Cache.Middleware(chain)
	}
	if s.deps.Limiter != nil {
		chain = s.deps.Limiter.Middleware(func() bool { return s.settings().Server.TrustForwardedFor })(chain)
	}
	chain = auth.Middleware(func() string { return s.settings().Auth.JWTSecret })(chain)
	if s.deps.Admission != nil {
		chain = s.deps.Admission.Middleware(chain)
	}
	chain = enableCORS(chain)
	chain = securityHeaders(chain)
	chain = requestLog(chain)

	router := http.NewServeMux()
	router.HandleFunc("GET /live", live)
	router.Handle("GET /metrics", s.deps.Metrics.Handler())
	router.Handle("/api/", chain)
	return router
}

func live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe serves until ctx is cancelled and then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting sniper gateway on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}
