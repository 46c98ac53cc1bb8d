package providers

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"sniper/internal/domain"
)

const (
	brightDataName     = "bright_data"
	brightDataEndpoint = "http://zproxy.lum-superproxy.io:22225"
	brightDataLocation = "us"
)

// BrightData issues sticky ISP sessions. The session id is part of the
// username, so a new session id means a new exit IP.
type BrightData struct {
	customer string
	password string
	zone     string
	clock    clock

	// issued numbers sessions across calls so ids stay unique within a second.
	issued atomic.Uint64
}

func NewBrightData(customer, password, zone string) *BrightData {
	return &BrightData{customer: customer, password: password, zone: zone, clock: defaultClock()}
}

func (b *BrightData) Name() string {
	return brightDataName
}

func (b *BrightData) GetProxies(ctx context.Context, count int) ([]domain.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := b.clock.now()
	proxies := make([]domain.Proxy, 0, count)
	for i := 0; i < count; i++ {
		session := fmt.Sprintf("session_%d_%d", now.Unix(), b.issued.Add(1)-1)
		proxy := domain.Proxy{
			URL:             brightDataEndpoint,
			Provider:        brightDataName,
			Type:            domain.ProxyISP,
			Location:        brightDataLocation,
			Username:        b.username(session),
			Password:        b.password,
			StickySessionID: session,
			CreatedAt:       now,
		}
		proxy.EnsureID()
		proxies = append(proxies, proxy)
	}
	return proxies, nil
}

func (b *BrightData) RotateIP(ctx context.Context, proxy domain.Proxy) (domain.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return domain.Proxy{}, err
	}

	now := b.clock.now()
	session := fmt.Sprintf("session_%d_%d", now.Unix(), b.clock.between(1000, 9999))
	proxy.StickySessionID = session
	proxy.Username = b.username(session)
	proxy.RotatedAt = now
	return proxy, nil
}

func (b *BrightData) username(session string) string {
	return strings.Join([]string{b.customer, "zone", b.zone, "session", session}, "-")
}
