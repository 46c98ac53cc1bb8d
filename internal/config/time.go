package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHealthMonitorInterval = 5 * time.Minute
	defaultCostMonitorInterval   = time.Hour
	defaultRotationInterval      = 10 * time.Minute
	defaultStickyIdleTTL         = 15 * time.Minute
	defaultBurnedRetention       = 24 * time.Hour
)

// intervalSetting holds one live interval and the loops listening to it.
type intervalSetting struct {
	fallback  time.Duration
	value     atomic.Value
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	s := &intervalSetting{fallback: fallback}
	s.value.Store(fallback)
	return s
}

func (s *intervalSetting) get() time.Duration {
	return s.value.Load().(time.Duration)
}

// updates returns a channel primed with the current interval that receives
// every later change.
func (s *intervalSetting) updates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.get()
	return ch
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}
	if s.get() == interval {
		return
	}
	s.value.Store(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

var (
	healthMonitorInterval = newIntervalSetting(defaultHealthMonitorInterval)
	costMonitorInterval   = newIntervalSetting(defaultCostMonitorInterval)
	rotationInterval      = newIntervalSetting(defaultRotationInterval)
)

func SetBetweenTime() {
	cfg := GetConfig()
	healthMonitorInterval.set(timerOrDefault(cfg.Proxy.HealthMonitorTimer, defaultHealthMonitorInterval))
	costMonitorInterval.set(timerOrDefault(cfg.Proxy.CostMonitorTimer, defaultCostMonitorInterval))
	rotationInterval.set(timerOrDefault(cfg.Proxy.RotationTimer, defaultRotationInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetHealthMonitorInterval() time.Duration {
	return healthMonitorInterval.get()
}

func HealthMonitorIntervalUpdates() <-chan time.Duration {
	return healthMonitorInterval.updates()
}

func GetCostMonitorInterval() time.Duration {
	return costMonitorInterval.get()
}

func CostMonitorIntervalUpdates() <-chan time.Duration {
	return costMonitorInterval.updates()
}

func GetRotationInterval() time.Duration {
	return rotationInterval.get()
}

func RotationIntervalUpdates() <-chan time.Duration {
	return rotationInterval.updates()
}

// StickyIdleTTL is how long a sticky session may sit unused before rotation.
func (c ProxyConfig) StickyIdleTTL() time.Duration {
	return timerOrDefault(c.StickyIdleTimer, defaultStickyIdleTTL)
}

// BurnedRetention is how long a burned proxy record is kept for post-mortems.
func (c ProxyConfig) BurnedRetention() time.Duration {
	return timerOrDefault(c.BurnedRetentionTimer, defaultBurnedRetention)
}

func (c ProxyConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c RateLimitConfig) BucketTTL() time.Duration {
	return time.Duration(c.BucketTTLSeconds) * time.Second
}

func (c AdmissionConfig) ShedRetryAfter() time.Duration {
	return time.Duration(c.ShedRetryAfterMs) * time.Millisecond
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c CacheConfig) SWRTTL() time.Duration {
	return time.Duration(c.SWRTTLSeconds) * time.Second
}

func (c CacheConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (c CacheConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c CacheConfig) LockPollInterval() time.Duration {
	return time.Duration(c.LockPollMillis) * time.Millisecond
}
