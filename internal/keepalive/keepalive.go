// Package keepalive counts in-flight operations and reports when the
// process has been idle long enough to exit.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracker is a hold counter. Every Hold must be matched by one call of the
// returned release function; extra calls are ignored.
type Tracker struct {
	mu      sync.Mutex
	count   int
	changed chan struct{}
	gauge   prometheus.Gauge
}

// New returns a Tracker. gauge may be nil.
func New(gauge prometheus.Gauge) *Tracker {
	return &Tracker{changed: make(chan struct{}), gauge: gauge}
}

// Hold increments the count until release is called.
func (t *Tracker) Hold() (release func()) {
	t.add(1)
	var once sync.Once
	return func() {
		once.Do(func() { t.add(-1) })
	}
}

func (t *Tracker) add(delta int) {
	t.mu.Lock()
	t.count += delta
	if t.count < 0 {
		t.count = 0
	}
	close(t.changed)
	t.changed = make(chan struct{})
	n := t.count
	t.mu.Unlock()

	if t.gauge != nil {
		t.gauge.Set(float64(n))
	}
}

// Count returns the current number of holds.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// WaitIdle blocks until no hold has existed, and no hold has been taken or
// released, for timeout. Any activity restarts the countdown.
func (t *Tracker) WaitIdle(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		n, changed := t.count, t.changed
		t.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if n == 0 {
			timer.Reset(timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-timer.C:
			if n == 0 {
				return nil
			}
		}
	}
}
