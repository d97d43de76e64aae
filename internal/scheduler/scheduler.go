package scheduler

import (
	"context"
	"time"
)

// MinInterval is the shortest supported collection interval.
const MinInterval = 5 * time.Minute

// Scheduler aligns wake-ups to multiples of a fixed interval since the Unix epoch,
// so samples land on round wall-clock times whatever the process start time or
// the latency of the previous cycle.
type Scheduler struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a new Scheduler. interval is validated at configuration time.
func New(interval time.Duration) *Scheduler {
	return &Scheduler{
		interval: interval,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Interval returns the boundary spacing.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// NextBoundary returns the first interval multiple strictly after t.
func (s *Scheduler) NextBoundary(t time.Time) time.Time {
	return NextBoundary(t, s.interval)
}

// WaitForBoundary blocks until the next boundary and returns it.
// The wait is recomputed from the clock on every call, so latency from earlier
// cycles never accumulates. It only returns early if ctx is done.
func (s *Scheduler) WaitForBoundary(ctx context.Context) (time.Time, error) {
	next := s.NextBoundary(s.now())
	return next, s.WaitUntil(ctx, next)
}

// WaitUntil blocks until t. A deadline at or before now returns immediately.
func (s *Scheduler) WaitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.now())
	if d <= 0 {
		return ctx.Err()
	}
	return s.sleep(ctx, d)
}

// NextBoundary computes floor(t / interval) * interval + interval in Unix time.
func NextBoundary(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t
	}
	ns := t.UnixNano()
	step := int64(interval)
	floor := ns - ns%step
	if ns < 0 && ns%step != 0 {
		floor -= step
	}
	return time.Unix(0, floor+step).In(t.Location())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
