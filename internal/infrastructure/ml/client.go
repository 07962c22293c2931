package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"LiteratureScanner/internal/config"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/ports"
)

// Client talks to a self-hosted analysis service.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Analyzer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(cfg config.MLConfig) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.InferenceURL, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Analyze posts the title and abstract to /analyze and returns the structured result.
func (c *Client) Analyze(ctx context.Context, title, abstract string) (domain.Analysis, error) {
	if c.endpoint == "" {
		return domain.Analysis{}, fmt.Errorf("analysis service endpoint is empty")
	}

	payload := map[string]any{
		"title":    title,
		"abstract": abstract,
	}

	var analysis domain.Analysis
	if err := c.post(ctx, "/analyze", payload, &analysis); err != nil {
		return domain.Analysis{}, err
	}
	if analysis.Findings == "" && analysis.Innovations == "" && analysis.Limitations == "" && analysis.FutureDirections == "" {
		return domain.Analysis{}, fmt.Errorf("analysis service returned an empty analysis")
	}

	return analysis, nil
}

// post sends payload as JSON and decodes a 200 response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analysis service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analysis service %s: status %s: %s", path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
