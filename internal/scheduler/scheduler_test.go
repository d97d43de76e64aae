package scheduler

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newTestScheduler(interval time.Duration, start time.Time) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: start}
	s := New(interval)
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s, clock
}

func TestNextBoundary(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{"mid interval", base.Add(2*time.Minute + 13*time.Second), 5 * time.Minute, base.Add(5 * time.Minute)},
		{"exactly on boundary", base, 5 * time.Minute, base.Add(5 * time.Minute)},
		{"just before boundary", base.Add(-time.Nanosecond), 5 * time.Minute, base},
		{"ten minutes", base.Add(11 * time.Minute), 10 * time.Minute, base.Add(20 * time.Minute)},
		{"odd interval", time.Unix(1000, 0).UTC(), 333 * time.Second, time.Unix(1332, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextBoundary(tt.now, tt.interval)
			if !got.Equal(tt.want) {
				t.Fatalf("NextBoundary(%s, %s) = %s, want %s", tt.now, tt.interval, got, tt.want)
			}
		})
	}
}

func TestWaitForBoundarySleepsUntilGrid(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 1, 30, 0, time.UTC)
	s, clock := newTestScheduler(5*time.Minute, start)

	next, err := s.WaitForBoundary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) || !clock.now.Equal(want) {
		t.Fatalf("expected to wake at %s, got next=%s now=%s", want, next, clock.now)
	}
	if len(clock.slept) != 1 || clock.slept[0] != 3*time.Minute+30*time.Second {
		t.Fatalf("unexpected sleeps: %v", clock.slept)
	}
}

func TestWaitForBoundaryDoesNotAccumulateDrift(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, clock := newTestScheduler(5*time.Minute, start)

	for i := 1; i <= 3; i++ {
		// Simulate a slow cycle with retries.
		clock.now = clock.now.Add(47 * time.Second)
		next, err := s.WaitForBoundary(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := start.Add(time.Duration(i) * 5 * time.Minute)
		if !next.Equal(want) {
			t.Fatalf("cycle %d: expected boundary %s, got %s", i, want, next)
		}
	}
}

func TestWaitUntilPastDeadlineReturnsImmediately(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	s, clock := newTestScheduler(5*time.Minute, start)
	boundary := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := s.WaitUntil(context.Background(), boundary); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	if len(clock.slept) != 0 {
		t.Fatalf("expected no sleeps when already past the boundary, got %v", clock.slept)
	}
	if err := s.WaitUntil(context.Background(), start); err != nil {
		t.Fatalf("zero wait: unexpected error: %v", err)
	}
	if len(clock.slept) != 0 {
		t.Fatalf("expected zero-length wait to return immediately, got %v", clock.slept)
	}
}

func TestWaitForBoundaryCanceled(t *testing.T) {
	s := New(5 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.WaitForBoundary(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
