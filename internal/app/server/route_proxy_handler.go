package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"

	"sniper/internal/api/dto"
	"sniper/internal/auth"
	"sniper/internal/cache"
	"sniper/internal/providers"
	"sniper/internal/proxypool"
)

const (
	costReportKey  = "proxy_cost_report"
	costReportDays = 7
	burnedPageSize = 50
	manualReason   = "manual"
	maxActionBody  = 4096
)

var requestValidator = validator.New()

func (s *Server) getProxyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Manager.Stats(r.Context())
	if err != nil {
		log.Error("Could not collect proxy stats", "error", err)
		writeError(w, "Could not collect proxy stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getProxyCost(w http.ResponseWriter, r *http.Request) {
	report, err := cache.GetOrSet(r.Context(), s.deps.Strategy, costReportKey,
		func(ctx context.Context) (proxypool.CostReport, error) {
			return s.deps.Manager.CostReport(ctx, costReportDays)
		},
		cache.Options{Tier: cache.TierCold},
	)
	if err != nil {
		log.Error("Could not build cost report", "error", err)
		writeError(w, "Could not build cost report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getBurnedProxies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, "Archive is not configured", http.StatusNotFound)
		return
	}

	burns, err := s.deps.Archive.RecentBurns(r.Context(), burnedPageSize)
	if err != nil {
		log.Error("Could not read burned proxies", "error", err)
		writeError(w, "Could not read burned proxies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, burns)
}

func (s *Server) getProxy(w http.ResponseWriter, r *http.Request) {
	proxy, err := s.deps.Manager.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, proxypool.ErrProxyNotFound) {
		writeError(w, "Proxy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("Could not load proxy", "error", err)
		writeError(w, "Could not load proxy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewProxyDetail(proxy, s.now()))
}

func (s *Server) provisionProxies(w http.ResponseWriter, r *http.Request) {
	var req dto.ProvisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = s.settings().Proxy.ProvisionBatch
	}

	added, err := s.deps.Manager.Provision(r.Context(), req.Count)
	if errors.Is(err, proxypool.ErrNoProviders) {
		writeError(w, "No proxy provider configured", http.StatusConflict)
		return
	}
	if err != nil && added == 0 {
		log.Error("Could not provision proxies", "error", err)
		writeError(w, "Could not provision proxies", http.StatusBadGateway)
		return
	}

	log.Info("Proxies provisioned on request", "user", auth.UserFromContext(r.Context()), "added", added)
	writeJSON(w, http.StatusOK, dto.ProvisionResponse{Added: added})
}

func (s *Server) burnProxy(w http.ResponseWriter, r *http.Request) {
	var req dto.BurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = manualReason
	}

	id := r.PathValue("id")
	burned, err := s.deps.Manager.BurnByID(r.Context(), id, req.Reason)
	if errors.Is(err, proxypool.ErrProxyNotFound) {
		writeError(w, "Proxy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("Could not burn proxy", "error", err)
		writeError(w, "Could not burn proxy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.BurnResponse{ID: id, Burned: burned})
}

func (s *Server) rotateProxy(w http.ResponseWriter, r *http.Request) {
	proxy, err := s.deps.Manager.Rotate(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, proxypool.ErrProxyNotFound):
		writeError(w, "Proxy not found", http.StatusNotFound)
		return
	case errors.Is(err, providers.ErrRotationUnsupported):
		writeError(w, "Provider does not support rotation", http.StatusConflict)
		return
	case err != nil:
		log.Error("Could not rotate proxy", "error", err)
		writeError(w, "Could not rotate proxy", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewProxyDetail(proxy, s.now()))
}

// decodeBody reads an optional JSON body into dst and validates it. An
// empty body leaves dst at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, maxActionBody)).Decode(dst)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return false
		}
	}
	if err := requestValidator.Struct(dst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
