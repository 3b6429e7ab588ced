// Package traffic keeps sliding windows of request outcomes. Health uses it for
// overload (request volume against capacity) and degraded (server-side error rate) detection.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	// Success is any request answered without a server-side failure, including 4xx.
	Success Outcome = iota
	// Error is a request that failed on our side or upstream (5xx, 502).
	Error

	numOutcomes
)

// retention bounds how long timestamps are kept regardless of the queried window.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// Record records an outcome on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// RequestCount returns the number of outcomes of any kind within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// ErrorCount returns the number of server-side failures within the window.
func ErrorCount(window time.Duration) int {
	return defaultTracker.Count(Error, window)
}

// ErrorRate returns (errorCount, totalCount) within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears the process-wide tracker. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker holds one timestamp series per Outcome.
type Tracker struct {
	mu     sync.Mutex
	series [numOutcomes][]time.Time
	now    func() time.Time
}

// NewTracker returns an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends the current time to the outcome's series.
func (t *Tracker) Record(o Outcome) {
	if o < 0 || o >= numOutcomes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.series[o] = append(t.series[o], now)
	t.pruneLocked(now)
}

// Count returns how many outcomes of kind o fall inside the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.series[o], t.now().Add(-window))
}

// RequestCount returns the total number of outcomes inside the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, s := range t.series {
		n += countSince(s, cutoff)
	}
	return n
}

// ErrorRate returns (errorCount, successCount+errorCount) inside the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.series[Error], cutoff)
	return errors, errors + countSince(t.series[Success], cutoff)
}

// Reset drops all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.series {
		t.series[i] = nil
	}
}

// countSince counts timestamps not before cutoff. Series are append-only in time order.
func countSince(times []time.Time, cutoff time.Time) int {
	i := len(times)
	for i > 0 && !times[i-1].Before(cutoff) {
		i--
	}
	return len(times) - i
}

// pruneLocked drops timestamps older than retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for o := range t.series {
		times := t.series[o]
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.series[o] = append(times[:0], times[i:]...)
		}
	}
}
