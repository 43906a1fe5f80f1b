package dispatch

import (
	"sync"
	"time"
)

// TimeoutDetector tracks the last time each labeled callback timed
// out, so the dispatcher can tell a one-off slow callback from one
// that is timing out on every call.
type TimeoutDetector struct {
	mu          sync.Mutex
	maxDuration time.Duration
	last        map[string]time.Time
}

// NewTimeoutDetector creates a detector that considers two timeouts for
// the same label "repeated" if they occur within maxDuration of each
// other.
func NewTimeoutDetector(maxDuration time.Duration) *TimeoutDetector {
	return &TimeoutDetector{maxDuration: maxDuration, last: make(map[string]time.Time)}
}

// Record notes a timeout for label at t and reports whether this is a
// repeat (the previous timeout for the same label was within
// maxDuration).
func (d *TimeoutDetector) Record(label string, t time.Time) (repeat bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last[label]; ok && t.Sub(prev) <= d.maxDuration {
		repeat = true
	}
	d.last[label] = t
	return repeat
}
