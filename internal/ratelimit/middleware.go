package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/auth"
)

const ErrorAdmissionShed = "admission_shed"

type rejection struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after"`
}

// retrySeconds rounds up to whole seconds with a floor of one.
func retrySeconds(d time.Duration) int64 {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeRejection(w http.ResponseWriter, code string, retryAfter time.Duration) {
	seconds := retrySeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{Success: false, Error: code, RetryAfter: seconds})
}

// Middleware rejects requests whose scope is out of tokens. Preflight
// requests pass untouched and store failures let the request through.
func (l *Limiter) Middleware(trustForwardedFor func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			scope := Scope{
				Route: r.URL.Path,
				User:  auth.UserFromContext(r.Context()),
				IP:    ClientIP(r, trustForwardedFor != nil && trustForwardedFor()),
			}

			decision, err := l.Check(r.Context(), scope)
			if err != nil {
				log.Warn("Rate limiter unavailable, allowing request", "route", scope.Route, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				log.Debug("Request rate limited", "tier", decision.Tier, "route", scope.Route, "ip", scope.IP)
				writeRejection(w, "rate_limited_"+decision.Tier, decision.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Middleware sheds load above the threshold and otherwise runs the request
// once an execution slot is free.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Admit() {
			writeRejection(w, ErrorAdmissionShed, a.RetryAfter())
			return
		}
		defer a.Leave()

		if err := a.Acquire(r.Context()); err != nil {
			return
		}
		defer a.Release()

		next.ServeHTTP(w, r)
	})
}

// ClientIP is the connection's remote address, or the first
// X-Forwarded-For hop when the proxy in front is trusted.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
