package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestClampInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want time.Duration
	}{
		{in: 0, want: time.Hour},
		{in: 10 * time.Minute, want: time.Hour},
		{in: 6 * time.Hour, want: 6 * time.Hour},
		{in: 90 * 24 * time.Hour, want: 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := ClampInterval(tc.in); got != tc.want {
			t.Fatalf("ClampInterval(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestIntervalSchedulerRunsOnStartAndStops(t *testing.T) {
	t.Parallel()

	s := NewIntervalScheduler(time.Hour, true)
	fired := make(chan time.Time, 1)
	if err := s.Start(context.Background(), func(at time.Time) { fired <- at }); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A second start must not spawn another loop.
	if err := s.Start(context.Background(), func(time.Time) { t.Error("second loop started") }); err != nil {
		t.Fatalf("second start: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run on start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
