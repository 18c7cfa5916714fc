// Package ratelimit implements the process-wide sliding-window limiter that
// coordinates every polling job against the upstream's shared request ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter tracks the timestamps of recent outbound requests and admits new
// ones only while the trailing window holds fewer than the ceiling. It also
// keeps the registry of active jobs and assigns each a start-time stagger
// offset by registration order.
//
// One Limiter is shared by all jobs in the process. It is constructed
// explicitly and injected at job creation; its lifetime is the lifetime of
// the host application.
type Limiter struct {
	ceiling int
	window  time.Duration
	step    time.Duration

	mu         sync.Mutex
	timestamps []time.Time
	order      []string
	indices    map[string]int

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter admitting at most ceiling requests per window, with
// job start times spaced step apart.
func New(ceiling int, window, step time.Duration) *Limiter {
	return &Limiter{
		ceiling: ceiling,
		window:  window,
		step:    step,
		indices: make(map[string]int),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Acquire blocks the caller until a request may be issued without breaching
// the ceiling, then records the issuance. The purge, capacity check, wait
// and record all happen under one lock so concurrent acquirers serialize and
// can never both observe the same free slot. It returns early with the
// context's error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked()

	if len(l.timestamps) >= l.ceiling {
		wait := l.timestamps[0].Add(l.window).Sub(l.now())
		if wait > 0 {
			logrus.Debugf("Rate limit reached, waiting %.1f seconds", wait.Seconds())
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			l.purgeLocked()
		}
	}

	l.timestamps = append(l.timestamps, l.now())
	return nil
}

// Register adds a job to the registry and returns its stagger index: the
// zero-based position the job occupied at registration time. The index is
// permanent for the life of the registration; removals never renumber the
// survivors, so indices of later registrants can repeat those of departed
// jobs.
func (l *Limiter) Register(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := len(l.order)
	l.order = append(l.order, id)
	l.indices[id] = index
	return index
}

// Unregister removes a job from the registry. Stagger indices of the
// remaining jobs are untouched.
func (l *Limiter) Unregister(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, member := range l.order {
		if member == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	delete(l.indices, id)
}

// StaggerDelay returns the job's one-time start offset, index * step.
// Unregistered jobs get no delay.
func (l *Limiter) StaggerDelay(id string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.indices[id]
	if !ok {
		return 0
	}
	return time.Duration(index) * l.step
}

// Occupancy returns the number of unexpired request timestamps in the
// current window.
func (l *Limiter) Occupancy() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked()
	return len(l.timestamps)
}

// Registered returns the number of jobs currently in the registry.
func (l *Limiter) Registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// purgeLocked drops timestamps that have aged out of the window. Callers
// must hold l.mu. Purging is lazy: it only ever happens on access.
func (l *Limiter) purgeLocked() {
	cutoff := l.now().Add(-l.window)
	expired := 0
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			break
		}
		expired++
	}
	if expired > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[expired:]...)
	}
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
