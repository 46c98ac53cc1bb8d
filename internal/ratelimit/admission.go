package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sniper/internal/config"
	"sniper/internal/metrics"
)

// Admission bounds concurrent work. Requests beyond the shed threshold are
// refused outright, the rest wait for one of max_concurrency slots. Both
// limits are read from settings on every call so reloads apply live.
type Admission struct {
	settings func() config.AdmissionConfig

	mu   sync.Mutex
	wake chan struct{}

	admitted atomic.Int64
	running  atomic.Int64

	metrics *metrics.Collector
}

// NewAdmission follows the global config when settings is nil.
func NewAdmission(settings func() config.AdmissionConfig, collector *metrics.Collector) *Admission {
	if settings == nil {
		settings = func() config.AdmissionConfig { return config.GetConfig().Admission }
	}
	return &Admission{
		settings: settings,
		wake:     make(chan struct{}),
		metrics:  collector,
	}
}

// Admit reserves a place in line unless the shed threshold is reached.
// Every true result must be paired with Leave.
func (a *Admission) Admit() bool {
	threshold := int64(a.settings().ShedThreshold)
	for {
		current := a.admitted.Load()
		if current >= threshold {
			return false
		}
		if a.admitted.CompareAndSwap(current, current+1) {
			a.publish()
			return true
		}
	}
}

func (a *Admission) Leave() {
	a.admitted.Add(-1)
	a.publish()
}

// Acquire waits for an execution slot. Cancellation gives up the wait.
func (a *Admission) Acquire(ctx context.Context) error {
	for {
		limit := int64(a.settings().MaxConcurrency)
		if limit < 1 {
			limit = 1
		}

		a.mu.Lock()
		if a.running.Load() < limit {
			a.running.Add(1)
			a.mu.Unlock()
			a.publish()
			return nil
		}
		wake := a.wake
		a.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Admission) Release() {
	a.mu.Lock()
	a.running.Add(-1)
	close(a.wake)
	a.wake = make(chan struct{})
	a.mu.Unlock()
	a.publish()
}

func (a *Admission) Admitted() int64 {
	return a.admitted.Load()
}

func (a *Admission) Running() int64 {
	return a.running.Load()
}

func (a *Admission) RetryAfter() time.Duration {
	return a.settings().ShedRetryAfter()
}

func (a *Admission) publish() {
	running := a.running.Load()
	queued := a.admitted.Load() - running
	if queued < 0 {
		queued = 0
	}
	a.metrics.SetConcurrency(running, queued)
}
