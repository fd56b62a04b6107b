package status

import "sync"

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Tracker owns the proxy's operational status. Paused refuses new
// dispatch admissions while in-flight work drains.
type Tracker struct {
	mu     sync.RWMutex
	status string
	reason string
}

func NewTracker() *Tracker {
	return &Tracker{status: StatusActive}
}

func (t *Tracker) Set(status string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status != StatusActive && status != StatusPaused {
		return
	}
	t.status = status
	t.reason = reason
}

func (t *Tracker) SetActive(active bool, reason string) {
	if active {
		t.Set(StatusActive, reason)
		return
	}
	t.Set(StatusPaused, reason)
}

func (t *Tracker) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Tracker) Paused() bool {
	return t.Status() == StatusPaused
}

func (t *Tracker) Snapshot() (string, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.reason
}
