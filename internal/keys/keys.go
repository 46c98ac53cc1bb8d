// Package keys owns the persisted state layout. Every key the gateway writes
// lives under Prefix so several deployments can share one Redis.
package keys

import (
	"fmt"
	"time"
)

const Prefix = "snpd"

const (
	ActiveProxies       = Prefix + ":proxies:active"
	BurnedProxies       = Prefix + ":proxies:burned"
	MetricsHealth       = Prefix + ":metrics:proxy_health"
	MetricsCostHourly   = Prefix + ":metrics:proxy_cost_breakdown"
	MetricsCostToday    = Prefix + ":metrics:proxy_cost_today"
	FinalStats          = Prefix + ":proxy_manager:final_stats"
	SystemAlertsChannel = Prefix + ":system_alerts"
	SettingsKey         = Prefix + ":config:settings"
	SettingsChannel     = Prefix + ":config:settings:updates"

	GlobalBucket = Prefix + ":rl:g"
)

func Proxy(id string) string {
	return Prefix + ":proxy:" + id
}

func ProxyInflight(id string) string {
	return Proxy(id) + ":inflight"
}

func RouteBucket(route string) string {
	return Prefix + ":rl:r:" + route
}

func UserBucket(user string) string {
	if user == "" {
		user = "anon"
	}
	return Prefix + ":rl:u:" + user
}

func IPBucket(ip string) string {
	return Prefix + ":rl:i:" + ip
}

func CacheEntry(digest string) string {
	return Prefix + ":cache:" + digest
}

func CacheValue(key string) string {
	return Prefix + ":cache:v:" + key
}

func CacheLock(key string) string {
	return Prefix + ":lock:" + key
}

// CostHour holds per-provider spend accrued during the hour containing t.
func CostHour(t time.Time) string {
	return fmt.Sprintf("%s:metrics:proxy_cost:hour:%s", Prefix, t.UTC().Format("2006010215"))
}

// CostDay holds per-provider spend accrued during the UTC day containing t.
func CostDay(t time.Time) string {
	return fmt.Sprintf("%s:metrics:proxy_cost:day:%s", Prefix, t.UTC().Format("20060102"))
}

func Leader(job string) string {
	return Prefix + ":leader:" + job
}
