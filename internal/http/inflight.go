package http

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const defaultDrainInterval = 100 * time.Millisecond

// InFlightTracker counts requests that are still being served.
type InFlightTracker struct {
	n atomic.Int64
}

// Begin marks a request as started. The returned func marks it finished and must be called once.
func (t *InFlightTracker) Begin() (end func()) {
	t.n.Add(1)
	var ended atomic.Bool
	return func() {
		if ended.CompareAndSwap(false, true) {
			t.n.Add(-1)
		}
	}
}

func (t *InFlightTracker) Count() int64 { return t.n.Load() }

// Drain polls until no request is in flight. When ctx ends first the error
// reports how many requests were abandoned.
func (t *InFlightTracker) Drain(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = defaultDrainInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n := t.Count()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d requests still in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// serverInFlight is fed by MetricsMiddleware.
var serverInFlight InFlightTracker

// InFlightCount returns the number of requests the router is serving.
func InFlightCount() int64 {
	return serverInFlight.Count()
}

// WaitForInFlight drains the router's in-flight requests; see InFlightTracker.Drain.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return serverInFlight.Drain(ctx, checkInterval)
}
