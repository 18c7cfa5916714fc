// Package health tracks per-job fetch outcomes and reports when a job has
// been running on stale cached data for too long.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents a job's current health
type State int

const (
	// StateHealthy means the most recent cycles succeeded
	StateHealthy State = iota
	// StateDegraded means the job has failed enough consecutive cycles
	// that its cache should be considered stale
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "healthy"
}

// Tracker records cycle outcomes for one job. A single success returns the
// job to healthy; degradation requires threshold consecutive failures.
type Tracker struct {
	name      string
	threshold int

	mu                  sync.RWMutex
	state               State
	consecutiveFailures int
	lastSuccess         time.Time
	lastError           error

	onDegrade func(name string, err error)
}

// Status is a point-in-time copy of a tracker's state for reporting.
type Status struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// New creates a Tracker that degrades after threshold consecutive failures.
func New(name string, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Tracker{
		name:      name,
		threshold: threshold,
	}
}

// WithDegradeCallback sets a callback invoked once per transition into the
// degraded state and returns the tracker.
func (t *Tracker) WithDegradeCallback(callback func(name string, err error)) *Tracker {
	t.onDegrade = callback
	return t
}

// Success records a successful cycle, returning the job to healthy.
func (t *Tracker) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDegraded {
		logrus.Infof("Job %s recovered after %d failed cycles", t.name, t.consecutiveFailures)
	}
	t.state = StateHealthy
	t.consecutiveFailures = 0
	t.lastSuccess = time.Now()
	t.lastError = nil
}

// Failure records a failed cycle. The threshold-th consecutive failure
// transitions the job to degraded.
func (t *Tracker) Failure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	t.lastError = err

	if t.state == StateHealthy && t.consecutiveFailures >= t.threshold {
		t.state = StateDegraded
		logrus.Warnf("Job %s degraded after %d consecutive failed cycles: %v",
			t.name, t.consecutiveFailures, err)
		if t.onDegrade != nil {
			go t.onDegrade(t.name, err)
		}
	}
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Snapshot returns a copy of the tracker's state for status reporting.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := Status{
		State:               t.state.String(),
		ConsecutiveFailures: t.consecutiveFailures,
		LastSuccess:         t.lastSuccess,
	}
	if t.lastError != nil {
		status.LastError = t.lastError.Error()
	}
	return status
}
