package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"LiteratureScanner/internal/config"
)

func TestAnalyzePostsTitleAndAbstract(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["title"] != "T" || req["abstract"] != "A" {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"findings":"F","innovations":"I","limitations":"L","futureDirections":"D","analyzedAt":"2025-03-03T09:00:00Z"}`))
	}))
	defer server.Close()

	client := NewClient(config.MLConfig{InferenceURL: server.URL + "/", APIKey: "key"})
	got, err := client.Analyze(context.Background(), "T", "A")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Findings != "F" || got.FutureDirections != "D" || got.AnalyzedAt.IsZero() {
		t.Fatalf("unexpected analysis %+v", got)
	}
}

func TestAnalyzeRejectsErrorsAndEmptyResults(t *testing.T) {
	t.Parallel()

	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(handler)
			defer server.Close()

			if _, err := NewClient(config.MLConfig{InferenceURL: server.URL}).Analyze(context.Background(), "T", "A"); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
