package parser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"LiteratureScanner/internal/scanner"
)

const (
	userAgent       = "LiteratureScanner/1.0"
	maxPayloadBytes = 32 << 20
	defaultLookback = 7 * 24 * time.Hour
)

// FeedOptions carries the transport settings shared by every adapter.
type FeedOptions struct {
	BaseURL           string
	Client            *http.Client
	RequestsPerSecond float64
	// Lookback bounds the window for feeds that require one when no cursor exists yet.
	Lookback time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type feedClient struct {
	source  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func newFeedClient(source string, opts FeedOptions, defaultRPS float64) *feedClient {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &feedClient{
		source:  source,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  opts.Logger,
		now:     now,
	}
}

// get performs a rate-limited GET and returns the body, classifying failures.
func (c *feedClient) get(ctx context.Context, pageURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, scanner.Classify(c.source, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, scanner.Permanent(c.source, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	c.debug("request", "url", pageURL)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, scanner.Classify(c.source, fmt.Errorf("request %s: %w", pageURL, err))
	}
	defer resp.Body.Close()

	if err := scanner.ClassifyStatus(c.source, resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, scanner.Transient(c.source, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// window resolves the [from, to] interval for a since cursor.
func (c *feedClient) window(since time.Time, lookback time.Duration) (time.Time, time.Time) {
	to := c.now()
	if since.IsZero() || since.Unix() <= 0 {
		if lookback <= 0 {
			lookback = defaultLookback
		}
		return to.Add(-lookback), to
	}
	return since.UTC(), to
}

func (c *feedClient) debug(msg string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
