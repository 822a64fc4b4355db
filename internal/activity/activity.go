// Package activity records the time of the last proxied traffic.
package activity

import (
	"sync"
	"time"
)

// epoch carries a monotonic clock reading; every recorded time is derived
// from it so that wall clock steps cannot move Last backwards.
var epoch = time.Now()

// Tracker holds the last-activity timestamp shared by every proxied request
// and WebSocket frame. The zero value is ready to use.
type Tracker struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewTracker creates a Tracker using the process clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Touch records activity at the current time. Last never decreases.
func (t *Tracker) Touch() {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	at := epoch.Add(now().Sub(epoch))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() || at.After(t.last) {
		t.last = at
	}
}

// Last returns the time of the most recent Touch, or the zero time if there
// has been none.
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
