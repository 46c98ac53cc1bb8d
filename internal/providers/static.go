package providers

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"sniper/internal/domain"
	"sniper/internal/support"
)

const (
	staticName            = "static"
	staticDefaultLocation = "us"
)

// Static hands out datacenter proxies from a fixed list, cycling through it.
type Static struct {
	mu      sync.Mutex
	proxies []domain.Proxy
	next    int
}

func NewStatic(proxies []domain.Proxy, locator *CountryLocator) *Static {
	clock := defaultClock()
	list := make([]domain.Proxy, 0, len(proxies))
	for _, proxy := range proxies {
		proxy.Provider = staticName
		proxy.Type = domain.ProxyDatacenter
		proxy.Location = staticDefaultLocation
		if country := locator.Country(support.ProxyHost(proxy.URL)); country != "" {
			proxy.Location = country
		}
		proxy.CreatedAt = clock.now()
		proxy.EnsureID()
		list = append(list, proxy)
	}
	return &Static{proxies: list}
}

// LoadStatic reads a proxy list file in any format ParseProxyList accepts.
func LoadStatic(path string, locator *CountryLocator) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("static proxies: read %s: %w", path, err)
	}
	return NewStatic(support.ParseProxyList(string(data)), locator), nil
}

func (s *Static) Name() string {
	return staticName
}

func (s *Static) GetProxies(ctx context.Context, count int) ([]domain.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if count > len(s.proxies) {
		count = len(s.proxies)
	}
	out := make([]domain.Proxy, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, s.proxies[s.next])
		s.next = (s.next + 1) % len(s.proxies)
	}
	return out, nil
}

func (s *Static) RotateIP(context.Context, domain.Proxy) (domain.Proxy, error) {
	return domain.Proxy{}, fmt.Errorf("%s: %w", staticName, ErrRotationUnsupported)
}

// CountryLocator maps proxy IPs to ISO country codes.
type CountryLocator struct {
	reader *geoip2.Reader
}

func OpenCountryLocator(path string) (*CountryLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &CountryLocator{reader: reader}, nil
}

// Country returns the lower-case ISO code for host, or "" when unknown.
// Hostnames are not resolved.
func (l *CountryLocator) Country(host string) string {
	if l == nil || l.reader == nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	record, err := l.reader.Country(ip)
	if err != nil {
		return ""
	}
	return strings.ToLower(record.Country.IsoCode)
}

func (l *CountryLocator) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}
