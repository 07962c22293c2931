// Package retry expresses bounded retries with backoff as a plain policy value.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"LiteratureScanner/internal/clock"
)

// Policy bounds the number of attempts and shapes the delay between them.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy mirrors the feed clients: three attempts, two seconds apart and growing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// Schedule returns the delays slept between attempts (len = MaxAttempts-1).
func (p Policy) Schedule() []time.Duration {
	attempts := p.attempts()
	b := p.newBackOff()
	out := make([]time.Duration, 0, attempts-1)
	for i := 1; i < attempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do calls fn until it succeeds, the error is not retryable, attempts are exhausted or
// ctx ends. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, clk clock.Clock, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	attempts := p.attempts()
	b := p.newBackOff()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return attempt, err
		}
		if sleepErr := clk.Sleep(ctx, b.NextBackOff()); sleepErr != nil {
			return attempt, err
		}
	}
	return attempts, err
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) newBackOff() backoff.BackOff {
	if p.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxInterval := p.MaxInterval
	if maxInterval < p.InitialInterval {
		maxInterval = p.InitialInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}
