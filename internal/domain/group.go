package domain

import (
	"fmt"
	"strings"
	"time"
)

// MatchMode controls how a term is compared against record text.
type MatchMode string

const (
	MatchExact MatchMode = "exact"
	MatchFuzzy MatchMode = "fuzzy"
)

// DefaultTermWeight applies when a term is configured without a weight.
const DefaultTermWeight = 1.0

// Term is a single weighted keyword inside a group.
type Term struct {
	Text   string    `json:"text" yaml:"text"`
	Weight float64   `json:"weight,omitempty" yaml:"weight"`
	Mode   MatchMode `json:"mode,omitempty" yaml:"mode"`
}

// KeywordGroup is a user-defined, ordered list of terms.
type KeywordGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Terms     []Term    `json:"terms"`
	MinScore  float64   `json:"minScore"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy with its own term slice.
func (g KeywordGroup) Clone() KeywordGroup {
	out := g
	out.Terms = append([]Term(nil), g.Terms...)
	return out
}

// TermTexts returns the raw term strings in group order.
func (g KeywordGroup) TermTexts() []string {
	out := make([]string, 0, len(g.Terms))
	for _, t := range g.Terms {
		out = append(out, t.Text)
	}
	return out
}

// NormalizeTerms trims text, applies default weight and mode, and validates the list.
func NormalizeTerms(terms []Term) ([]Term, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: at least one term is required", ErrInvalidGroup)
	}

	out := make([]Term, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for i, t := range terms {
		text := strings.Join(strings.Fields(t.Text), " ")
		if text == "" {
			return nil, fmt.Errorf("%w: term %d is blank", ErrInvalidGroup, i)
		}
		if t.Weight < 0 {
			return nil, fmt.Errorf("%w: term %q has negative weight", ErrInvalidGroup, text)
		}
		weight := t.Weight
		if weight == 0 {
			weight = DefaultTermWeight
		}
		mode := MatchMode(strings.ToLower(string(t.Mode)))
		switch mode {
		case "":
			mode = MatchExact
		case MatchExact, MatchFuzzy:
		default:
			return nil, fmt.Errorf("%w: term %q has unknown mode %q", ErrInvalidGroup, text, t.Mode)
		}

		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Term{Text: text, Weight: weight, Mode: mode})
	}
	return out, nil
}
