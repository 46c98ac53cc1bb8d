// Package providers issues proxies from upstream vendors.
package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"sniper/internal/config"
	"sniper/internal/domain"
	"sniper/internal/support"
)

var (
	ErrUnknownProvider     = errors.New("unknown proxy provider")
	ErrRotationUnsupported = errors.New("provider does not support ip rotation")
)

// Provider hands out fresh proxies and new sessions for proxies it issued.
type Provider interface {
	Name() string
	GetProxies(ctx context.Context, count int) ([]domain.Proxy, error)
	// RotateIP returns proxy with a new upstream session. The ID is kept.
	RotateIP(ctx context.Context, proxy domain.Proxy) (domain.Proxy, error)
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// All returns the providers ordered by name.
func (r *Registry) All() []Provider {
	names := r.Names()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.providers[name])
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.providers)
}

// RegistryFromEnv builds the providers whose credentials are present in the
// environment, plus the static list when one is configured.
func RegistryFromEnv(cfg config.ProxyConfig) (*Registry, error) {
	var list []Provider

	if customer := support.GetEnv("BRIGHT_DATA_CUSTOMER", ""); customer != "" {
		list = append(list, NewBrightData(
			customer,
			support.GetEnv("BRIGHT_DATA_PASSWORD", ""),
			support.GetEnv("BRIGHT_DATA_ZONE", "isp"),
		))
	}

	if username := support.GetEnv("OXYLABS_USERNAME", ""); username != "" {
		list = append(list, NewOxylabs(username, support.GetEnv("OXYLABS_PASSWORD", "")))
	}

	if cfg.StaticListFile != "" {
		var locator *CountryLocator
		if cfg.GeoIPDatabase != "" {
			l, err := OpenCountryLocator(cfg.GeoIPDatabase)
			if err != nil {
				log.Warn("GeoIP database unavailable, static proxies keep their default location", "path", cfg.GeoIPDatabase, "error", err)
			} else {
				locator = l
			}
		}

		static, err := LoadStatic(cfg.StaticListFile, locator)
		if err != nil {
			return nil, err
		}
		list = append(list, static)
	}

	if len(list) == 0 {
		log.Warn("No proxy provider configured")
	}

	return NewRegistry(list...), nil
}

type clock struct {
	now  func() time.Time
	intn func(n int) int
}

func defaultClock() clock {
	return clock{now: time.Now, intn: rand.IntN}
}

// between returns a random value in [lo, hi].
func (c clock) between(lo, hi int) int {
	return lo + c.intn(hi-lo+1)
}
