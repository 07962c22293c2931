package retry

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"LiteratureScanner/internal/clock"
)

var errTemporary = errors.New("temporary")

func isTemporary(err error) bool { return errors.Is(err, errTemporary) }

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}
}

func TestPolicySchedule(t *testing.T) {
	t.Parallel()

	got := testPolicy().Schedule()
	want := []time.Duration{time.Second, 2 * time.Second}
	if !slices.Equal(got, want) {
		t.Fatalf("Schedule = %v, want %v", got, want)
	}

	capped := Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 3 * time.Second, Multiplier: 2}.Schedule()
	if capped[len(capped)-1] != 3*time.Second {
		t.Fatalf("expected max interval cap, got %v", capped)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	calls := 0
	attempts, err := testPolicy().Do(context.Background(), clk, isTemporary, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTemporary
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", attempts, calls)
	}
	if !slices.Equal(clk.Sleeps(), []time.Duration{time.Second, 2 * time.Second}) {
		t.Fatalf("unexpected sleeps %v", clk.Sleeps())
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Now())
	permanent := errors.New("bad request")
	attempts, err := testPolicy().Do(context.Background(), clk, isTemporary, func(ctx context.Context, attempt int) error {
		return permanent
	})
	if !errors.Is(err, permanent) || attempts != 1 {
		t.Fatalf("expected one attempt with permanent error, got %d %v", attempts, err)
	}
	if len(clk.Sleeps()) != 0 {
		t.Fatalf("permanent errors must not sleep: %v", clk.Sleeps())
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Now())
	attempts, err := testPolicy().Do(context.Background(), clk, isTemporary, func(ctx context.Context, attempt int) error {
		return errTemporary
	})
	if !errors.Is(err, errTemporary) || attempts != 3 {
		t.Fatalf("expected 3 attempts ending in transient error, got %d %v", attempts, err)
	}
	if len(clk.Sleeps()) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", clk.Sleeps())
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk := clock.NewFake(time.Now())
	attempts, err := testPolicy().Do(ctx, clk, isTemporary, func(ctx context.Context, attempt int) error {
		return errTemporary
	})
	if attempts != 1 || !errors.Is(err, errTemporary) {
		t.Fatalf("expected to stop after first attempt, got %d %v", attempts, err)
	}
}
