package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"LiteratureScanner/internal/domain"
)

// Query is the feed-independent search derived from a keyword group.
type Query struct {
	Terms      []string
	Options    map[string]string
	MaxResults int
}

// QueryFor builds the query a source runs for a keyword group.
func QueryFor(group domain.KeywordGroup, options map[string]string, maxResults int) Query {
	return Query{
		Terms:      group.TermTexts(),
		Options:    options,
		MaxResults: maxResults,
	}
}

// Fingerprint is stable across term order and letter case.
func (q Query) Fingerprint() string {
	terms := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		terms = append(terms, strings.ToLower(strings.TrimSpace(t)))
	}
	sort.Strings(terms)

	keys := make([]string, 0, len(q.Options))
	for k := range q.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.Join(terms, "\x1f"))
	for _, k := range keys {
		fmt.Fprintf(&b, "\x1e%s=%s", k, q.Options[k])
	}
	fmt.Fprintf(&b, "\x1emax=%d", q.MaxResults)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Option returns a query option or fallback when unset.
func (q Query) Option(key, fallback string) string {
	if v, ok := q.Options[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// Adapter captures a single feed implementation (PubMed, bioRxiv, arXiv, etc.).
// Fetch is idempotent for a fixed (query, since) pair and has no side effects beyond
// the remote call.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, q Query, since time.Time) ([]domain.RawRecord, error)
}

// Registry keeps a mapping from adapter names to their implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = map[string]Adapter{}
	}
	r.adapters[adapter.Name()] = adapter
}

// Resolve returns an adapter by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("adapter %s is not registered", name)
}

// Names lists registered adapters in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
