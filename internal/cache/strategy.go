package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"sniper/internal/config"
	"sniper/internal/keys"
	"sniper/internal/store"
)

// Tier names a TTL class for GetOrSet payloads.
type Tier string

const (
	TierHot    Tier = "hot"
	TierWarm   Tier = "warm"
	TierCold   Tier = "cold"
	TierFrozen Tier = "frozen"
)

var tierTTLs = map[Tier]time.Duration{
	TierHot:    time.Minute,
	TierWarm:   5 * time.Minute,
	TierCold:   time.Hour,
	TierFrozen: 24 * time.Hour,
}

// TTL is the tier's lifetime. Unknown tiers fall back to warm.
func (t Tier) TTL() time.Duration {
	if ttl, ok := tierTTLs[t]; ok {
		return ttl
	}
	return tierTTLs[TierWarm]
}

// Options tune one GetOrSet call. Zero values take the tier and configured
// lock defaults.
type Options struct {
	Tier    Tier
	TTL     time.Duration
	LockTTL time.Duration
}

// Strategy caches structured payloads and keeps concurrent callers from
// computing the same key more than once.
type Strategy struct {
	store    store.Store
	settings func() config.CacheConfig
}

func NewStrategy(st store.Store, settings func() config.CacheConfig) *Strategy {
	if settings == nil {
		settings = func() config.CacheConfig { return config.GetConfig().Cache }
	}
	return &Strategy{store: st, settings: settings}
}

// GetOrSet returns the cached payload for key or computes it with loader.
// One caller wins the lock and populates the cache. The others poll until
// the lock expires and then compute without caching.
func GetOrSet[T any](ctx context.Context, s *Strategy, key string, loader func(context.Context) (T, error), opts Options) (T, error) {
	valueKey := keys.CacheValue(key)

	if value, ok := s.cached(ctx, valueKey); ok {
		var out T
		if err := json.Unmarshal([]byte(value), &out); err == nil {
			return out, nil
		}
		log.Warn("Malformed cache value, regenerating", "key", key)
	}

	cfg := s.settings()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = opts.Tier.TTL()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = cfg.LockTTL()
	}

	lockKey := keys.CacheLock(key)
	token := uuid.NewString()

	acquired, err := s.store.SetNX(ctx, lockKey, token, lockTTL)
	if err != nil {
		log.Warn("Cache lock unavailable, loading directly", "key", key, "error", err)
		return loader(ctx)
	}

	if acquired {
		defer s.release(ctx, lockKey, token)

		out, err := loader(ctx)
		if err != nil {
			return out, err
		}
		return out, s.populate(ctx, valueKey, out, ttl)
	}

	out, found, err := waitFor[T](ctx, s, valueKey, lockTTL, cfg.LockPollInterval())
	if err != nil || found {
		return out, err
	}

	log.Debug("Cache lock holder did not populate in time, loading directly", "key", key)
	return loader(ctx)
}

func (s *Strategy) cached(ctx context.Context, valueKey string) (string, bool) {
	value, ok, err := s.store.Get(ctx, valueKey)
	if err != nil {
		log.Warn("Cache read failed", "key", valueKey, "error", err)
		return "", false
	}
	return value, ok && value != ""
}

func (s *Strategy) populate(ctx context.Context, valueKey string, payload any, ttl time.Duration) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	if err := s.store.Set(ctx, valueKey, string(encoded), ttl); err != nil {
		log.Warn("Cache write failed", "key", valueKey, "error", err)
	}
	return nil
}

func (s *Strategy) release(ctx context.Context, lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := s.store.CompareAndDelete(ctx, lockKey, token); err != nil {
		log.Warn("Cache lock release failed", "key", lockKey, "error", err)
	}
}

func waitFor[T any](ctx context.Context, s *Strategy, valueKey string, deadline, poll time.Duration) (T, bool, error) {
	var out T
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return out, false, ctx.Err()
		case <-timer.C:
			return out, false, nil
		case <-ticker.C:
			value, ok := s.cached(ctx, valueKey)
			if !ok {
				continue
			}
			var decoded T
			if err := json.Unmarshal([]byte(value), &decoded); err != nil {
				continue
			}
			return decoded, true, nil
		}
	}
}
