// Package lifecycle tracks process drain state and names the health statuses reported on /health.
package lifecycle

import "sync/atomic"

// Status is the overall health reported by /health.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusOverloaded   Status = "overloaded"
	StatusShuttingDown Status = "shutting-down"
)

// Serving reports whether a load balancer should keep routing traffic to an instance in status s.
func (s Status) Serving() bool {
	return s == StatusHealthy
}

var shuttingDown atomic.Bool

// SetShuttingDown flips the drain flag. main sets it on SIGTERM/SIGINT before closing the listener.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
