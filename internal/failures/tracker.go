// Package failures tracks consecutive failed collection cycles.
//
// Isolated failures are tolerated indefinitely: any success resets the count.
// More than MaxFailures consecutive failures means the outage is not transient and
// the tracker enters a terminal fatal state.
package failures

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/i474232898/carbon-collector/internal/carbon"
)

// DefaultMaxFailures is the number of consecutive missed cycles that is still tolerated.
const DefaultMaxFailures = 6

// Outcome is the result of one collection cycle.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

var errCycleFailed = errors.New("cycle failed")

// Tracker is a circuit breaker that never closes again once it trips.
// Counts are kept for the whole run (no closed-state interval).
type Tracker struct {
	maxFailures int
	cb          *gobreaker.CircuitBreaker

	mu    sync.Mutex
	fatal bool
}

// New returns a tracker that turns fatal on failure number maxFailures+1 in a row.
func New(maxFailures int) *Tracker {
	if maxFailures < 0 {
		maxFailures = DefaultMaxFailures
	}
	t := &Tracker{maxFailures: maxFailures}
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "consecutive-cycle-failures",
		Interval: 0,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) > maxFailures
		},
		// Called with the breaker's lock held; only touch tracker state here.
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				t.mu.Lock()
				t.fatal = true
				t.mu.Unlock()
			}
		},
	})
	return t
}

// Record registers a cycle outcome. It returns an error wrapping
// carbon.ErrThresholdExceeded once the threshold is crossed, and on every call after.
func (t *Tracker) Record(o Outcome) error {
	if t.Fatal() {
		return t.thresholdErr()
	}

	_, err := t.cb.Execute(func() (interface{}, error) {
		if o == Failure {
			return nil, errCycleFailed
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || t.Fatal() {
		return t.thresholdErr()
	}
	return nil
}

// Count returns the current number of consecutive failed cycles.
func (t *Tracker) Count() int {
	if t.Fatal() {
		return t.maxFailures + 1
	}
	return int(t.cb.Counts().ConsecutiveFailures)
}

// Fatal reports whether the tracker has entered its terminal state.
func (t *Tracker) Fatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// MaxFailures returns the tolerated number of consecutive failures.
func (t *Tracker) MaxFailures() int {
	return t.maxFailures
}

func (t *Tracker) thresholdErr() error {
	return fmt.Errorf("%w: more than %d data collection windows missed in a row",
		carbon.ErrThresholdExceeded, t.maxFailures)
}
