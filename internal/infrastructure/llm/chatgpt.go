package llm

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

const (
	temperature = 0.5
	maxTokens   = 1500
	// Abstracts shorter than this carry too little signal to analyze.
	minAbstractLen = 50
	insufficient   = "Insufficient abstract to analyze."
)

// ChatGPTAnalyzer implements ports.Analyzer backed by OpenAI-compatible chat APIs.
type ChatGPTAnalyzer struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	now          func() time.Time
}

var _ ports.Analyzer = (*ChatGPTAnalyzer)(nil)

// NewChatGPTAnalyzer builds an analyzer from configuration.
func NewChatGPTAnalyzer(cfg config.ChatGPTConfig) *ChatGPTAnalyzer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatGPTAnalyzer{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type analysisPayload struct {
	Findings         string `json:"findings"`
	Innovations      string `json:"innovations"`
	Limitations      string `json:"limitations"`
	FutureDirections string `json:"future_directions"`
}

// Analyze asks the model for findings, innovations, limitations and future directions.
func (c *ChatGPTAnalyzer) Analyze(ctx context.Context, title, abstract string) (domain.Analysis, error) {
	if c == nil {
		return domain.Analysis{}, fmt.Errorf("chatgpt analyzer is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.Analysis{}, fmt.Errorf("chatgpt analyzer misconfigured")
	}
	if len(strings.TrimSpace(abstract)) < minAbstractLen {
		return domain.Analysis{
			Findings:         insufficient,
			Innovations:      insufficient,
			Limitations:      insufficient,
			FutureDirections: insufficient,
			AnalyzedAt:       c.now().UTC(),
		}, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: safePrompt(c.systemPrompt)},
			{Role: "user", Content: userPrompt(title, abstract)},
		},
		"temperature":     temperature,
		"max_tokens":      maxTokens,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("send analysis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Analysis{}, fmt.Errorf("chatgpt error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Analysis{}, fmt.Errorf("decode chatgpt response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return domain.Analysis{}, fmt.Errorf("chatgpt response has no choices")
	}

	var out analysisPayload
	content := stripFence(decoded.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return domain.Analysis{}, fmt.Errorf("decode analysis content: %w", err)
	}

	return domain.Analysis{
		Findings:         strings.TrimSpace(out.Findings),
		Innovations:      strings.TrimSpace(out.Innovations),
		Limitations:      strings.TrimSpace(out.Limitations),
		FutureDirections: strings.TrimSpace(out.FutureDirections),
		AnalyzedAt:       c.now().UTC(),
	}, nil
}

func userPrompt(title, abstract string) string {
	var b strings.Builder
	b.WriteString("Analyze the following research article abstract.\n\n")
	b.WriteString("Title: ")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\n\nAbstract:\n")
	b.WriteString(strings.TrimSpace(abstract))
	b.WriteString("\n\nRespond with a JSON object with the string fields ")
	b.WriteString(`"findings", "innovations", "limitations" and "future_directions". `)
	b.WriteString("Keep each field to a few sentences.")
	return b.String()
}

// stripFence removes a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are an expert in biomedical research."
	}
	return prompt
}
