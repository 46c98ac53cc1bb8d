package proxypool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sniper/internal/domain"
	"sniper/internal/keys"
	"sniper/internal/security"
	"sniper/internal/store"
)

const (
	fieldID             = "id"
	fieldURL            = "url"
	fieldProvider       = "provider"
	fieldType           = "type"
	fieldLocation       = "location"
	fieldUsername       = "username"
	fieldPassword       = "password"
	fieldStickySession  = "sticky_session_id"
	fieldRequests       = "requests"
	fieldSuccesses      = "successes"
	fieldFailures       = "failures"
	fieldBandwidthMB    = "total_bandwidth_mb"
	fieldResponseTimeMs = "response_time_ewma_ms"
	fieldLastUsed       = "last_used"
	fieldLastError      = "last_error"
	fieldRotatedAt      = "rotated_at"
	fieldCreatedAt      = "created_at"
	recordTimeLayout    = time.RFC3339Nano
)

// recordStore maps proxies onto store hashes and the active/burned sets.
type recordStore struct {
	store  store.Store
	sealer *security.Sealer
}

func (r *recordStore) save(ctx context.Context, proxy domain.Proxy) error {
	password, err := r.sealer.Seal(proxy.Password)
	if err != nil {
		return fmt.Errorf("seal proxy credentials: %w", err)
	}

	fields := map[string]string{
		fieldID:            proxy.ID,
		fieldURL:           proxy.URL,
		fieldProvider:      proxy.Provider,
		fieldType:          string(proxy.Type),
		fieldLocation:      proxy.Location,
		fieldUsername:      proxy.Username,
		fieldPassword:      password,
		fieldStickySession: proxy.StickySessionID,
		fieldRequests:      strconv.FormatInt(proxy.Requests, 10),
		fieldSuccesses:     strconv.FormatInt(proxy.Successes, 10),
		fieldFailures:      strconv.FormatInt(proxy.Failures, 10),
		fieldBandwidthMB:   formatFloat(proxy.TotalBandwidthMB),
		fieldLastError:     proxy.LastError,
		fieldCreatedAt:     formatTime(proxy.CreatedAt),
	}
	if proxy.ResponseTimeEWMA > 0 {
		fields[fieldResponseTimeMs] = formatFloat(proxy.ResponseTimeEWMA)
	}
	if !proxy.LastUsed.IsZero() {
		fields[fieldLastUsed] = formatTime(proxy.LastUsed)
	}
	if !proxy.RotatedAt.IsZero() {
		fields[fieldRotatedAt] = formatTime(proxy.RotatedAt)
	}

	return r.store.HSet(ctx, keys.Proxy(proxy.ID), fields)
}

// saveSession rewrites only the session fields so counters survive rotation.
func (r *recordStore) saveSession(ctx context.Context, proxy domain.Proxy) error {
	password, err := r.sealer.Seal(proxy.Password)
	if err != nil {
		return fmt.Errorf("seal proxy credentials: %w", err)
	}
	return r.store.HSet(ctx, keys.Proxy(proxy.ID), map[string]string{
		fieldUsername:      proxy.Username,
		fieldPassword:      password,
		fieldStickySession: proxy.StickySessionID,
		fieldRotatedAt:     formatTime(proxy.RotatedAt),
	})
}

// load returns the record for id. A missing hash yields ok=false.
func (r *recordStore) load(ctx context.Context, id string) (domain.Proxy, bool, error) {
	fields, err := r.store.HGetAll(ctx, keys.Proxy(id))
	if err != nil {
		return domain.Proxy{}, false, err
	}
	if len(fields) == 0 || fields[fieldURL] == "" {
		return domain.Proxy{}, false, nil
	}

	password, _, err := r.sealer.Open(fields[fieldPassword])
	if err != nil {
		return domain.Proxy{}, false, fmt.Errorf("open credentials of proxy %s: %w", id, err)
	}

	proxy := domain.Proxy{
		ID:               id,
		URL:              fields[fieldURL],
		Provider:         fields[fieldProvider],
		Type:             domain.ProxyType(fields[fieldType]),
		Location:         fields[fieldLocation],
		Username:         fields[fieldUsername],
		Password:         password,
		StickySessionID:  fields[fieldStickySession],
		Requests:         parseInt(fields[fieldRequests]),
		Successes:        parseInt(fields[fieldSuccesses]),
		Failures:         parseInt(fields[fieldFailures]),
		TotalBandwidthMB: parseFloat(fields[fieldBandwidthMB]),
		ResponseTimeEWMA: parseFloat(fields[fieldResponseTimeMs]),
		LastUsed:         parseTime(fields[fieldLastUsed]),
		LastError:        fields[fieldLastError],
		RotatedAt:        parseTime(fields[fieldRotatedAt]),
		CreatedAt:        parseTime(fields[fieldCreatedAt]),
	}
	return proxy, true, nil
}

// loadActive returns every active proxy whose record still exists.
func (r *recordStore) loadActive(ctx context.Context) ([]domain.Proxy, error) {
	ids, err := r.store.SMembers(ctx, keys.ActiveProxies)
	if err != nil {
		return nil, err
	}

	proxies := make([]domain.Proxy, 0, len(ids))
	for _, id := range ids {
		proxy, ok, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			proxies = append(proxies, proxy)
		}
	}
	return proxies, nil
}

func (r *recordStore) isKnown(ctx context.Context, id string) (bool, error) {
	if active, err := r.store.SIsMember(ctx, keys.ActiveProxies, id); err != nil || active {
		return active, err
	}
	return r.store.SIsMember(ctx, keys.BurnedProxies, id)
}

func (r *recordStore) activate(ctx context.Context, id string) error {
	_, err := r.store.SAdd(ctx, keys.ActiveProxies, id)
	return err
}

func (r *recordStore) touch(ctx context.Context, id string, now time.Time) error {
	return r.store.HSet(ctx, keys.Proxy(id), map[string]string{fieldLastUsed: formatTime(now)})
}

// pruneBurned drops burned ids whose record has already expired.
func (r *recordStore) pruneBurned(ctx context.Context) (int, error) {
	ids, err := r.store.SMembers(ctx, keys.BurnedProxies)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		exists, err := r.store.Exists(ctx, keys.Proxy(id))
		if err != nil {
			return pruned, err
		}
		if exists {
			continue
		}
		if _, err := r.store.SRem(ctx, keys.BurnedProxies, id); err != nil {
			return pruned, err
		}
		_ = r.store.Del(ctx, keys.ProxyInflight(id))
		pruned++
	}
	return pruned, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(recordTimeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(recordTimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
