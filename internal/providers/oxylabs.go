package providers

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"sniper/internal/domain"
)

const (
	oxylabsName     = "oxylabs"
	oxylabsEndpoint = "http://pr.oxylabs.io:7777"
	oxylabsCountry  = "us"
)

// Oxylabs issues rotating residential sessions keyed by the trailing
// sessid token of the username.
type Oxylabs struct {
	username string
	password string
	clock    clock

	// issued numbers sessions across calls so ids stay unique within a second.
	issued atomic.Uint64
}

func NewOxylabs(username, password string) *Oxylabs {
	return &Oxylabs{username: username, password: password, clock: defaultClock()}
}

func (o *Oxylabs) Name() string {
	return oxylabsName
}

func (o *Oxylabs) GetProxies(ctx context.Context, count int) ([]domain.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := o.clock.now()
	proxies := make([]domain.Proxy, 0, count)
	for i := 0; i < count; i++ {
		proxy := domain.Proxy{
			URL:       oxylabsEndpoint,
			Provider:  oxylabsName,
			Type:      domain.ProxyResidential,
			Location:  oxylabsCountry,
			Username:  fmt.Sprintf("customer-%s-cc-%s-sessid-%d%d", o.username, oxylabsCountry, now.Unix(), o.issued.Add(1)-1),
			Password:  o.password,
			CreatedAt: now,
		}
		proxy.EnsureID()
		proxies = append(proxies, proxy)
	}
	return proxies, nil
}

func (o *Oxylabs) RotateIP(ctx context.Context, proxy domain.Proxy) (domain.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return domain.Proxy{}, err
	}

	now := o.clock.now()
	token := fmt.Sprintf("%d%d", now.Unix(), o.clock.between(100, 999))

	cut := strings.LastIndex(proxy.Username, "-")
	if cut < 0 {
		return domain.Proxy{}, fmt.Errorf("oxylabs: username %q has no session token", proxy.Username)
	}
	proxy.Username = proxy.Username[:cut+1] + token
	proxy.RotatedAt = now
	return proxy, nil
}
