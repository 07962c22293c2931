package scheduler

import (
	"context"
	"sync"
	"time"

	"LiteratureScanner/internal/ports"
)

const (
	MinInterval = time.Hour
	MaxInterval = 30 * 24 * time.Hour
)

// IntervalScheduler runs a job on a fixed interval using time.Ticker.
type IntervalScheduler struct {
	interval   time.Duration
	runOnStart bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler clamps interval to [MinInterval, MaxInterval].
func NewIntervalScheduler(interval time.Duration, runOnStart bool) *IntervalScheduler {
	return &IntervalScheduler{interval: ClampInterval(interval), runOnStart: runOnStart}
}

// ClampInterval keeps auto-update intervals between one hour and thirty days.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	default:
		return d
	}
}

// Interval returns the effective tick interval.
func (c *IntervalScheduler) Interval() time.Duration {
	return c.interval
}

// Start begins ticking. A second Start while running is a no-op.
func (c *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		if c.runOnStart {
			job(time.Now().UTC())
		}
		for {
			select {
			case t := <-ticker.C:
				job(t.UTC())
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine and waits for a running job to return.
func (c *IntervalScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
