package rest

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// The process-global throttle gate. Every outgoing vendor request waits on
// it, so one burst-heavy provider cannot starve the rest.
var (
	throttleMu sync.RWMutex
	throttle   *rate.Limiter
)

// ConfigureThrottle installs the global request limiter: at most limit
// requests are released per second, with a burst of burst. limit <= 0
// disables throttling.
func ConfigureThrottle(limit float64, burst int) {
	throttleMu.Lock()
	defer throttleMu.Unlock()
	if limit <= 0 {
		throttle = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	throttle = rate.NewLimiter(rate.Limit(limit), burst)
}

func waitThrottle(ctx context.Context) error {
	throttleMu.RLock()
	limiter := throttle
	throttleMu.RUnlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}
