// Package scoring computes keyword-group relevance for literature records.
package scoring

import (
	"strings"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/textutil"
)

// DefaultMinSimilarity is the fuzzy-match floor below which a term contributes nothing.
const DefaultMinSimilarity = 0.8

// Scorer is a pure function of record content and group terms.
type Scorer struct {
	minSimilarity float64
}

// NewScorer builds a Scorer. Values outside (0, 1] fall back to DefaultMinSimilarity.
func NewScorer(minSimilarity float64) *Scorer {
	if minSimilarity <= 0 || minSimilarity > 1 {
		minSimilarity = DefaultMinSimilarity
	}
	return &Scorer{minSimilarity: minSimilarity}
}

// Score sums per-term contributions and returns matched terms in group order.
func (s *Scorer) Score(record domain.LiteratureRecord, group domain.KeywordGroup) (float64, []string) {
	title := textutil.Normalize(record.Title)
	abstract := textutil.Normalize(record.Abstract)

	total := 0.0
	matched := make([]string, 0, len(group.Terms))
	for _, term := range group.Terms {
		weight := term.Weight
		if weight == 0 {
			weight = domain.DefaultTermWeight
		}

		var contribution float64
		switch term.Mode {
		case domain.MatchFuzzy:
			best := max(windowSimilarity(title, term.Text), windowSimilarity(abstract, term.Text))
			if best >= s.minSimilarity {
				contribution = weight * best
			}
		default:
			if textutil.ContainsWord(record.Title, term.Text) || textutil.ContainsWord(record.Abstract, term.Text) {
				contribution = weight
			}
		}

		if contribution > 0 {
			total += contribution
			matched = append(matched, term.Text)
		}
	}
	return total, matched
}

// windowSimilarity slides a window the width of term over text and returns the best
// similarity found. Both inputs are compared in normalized form.
func windowSimilarity(text, term string) float64 {
	termNorm := textutil.Normalize(term)
	if termNorm == "" || text == "" {
		return 0
	}
	tokens := strings.Fields(text)
	width := len(strings.Fields(termNorm))
	if width > len(tokens) {
		return textutil.Similarity(text, termNorm)
	}

	best := 0.0
	for i := 0; i+width <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+width], " ")
		if sim := textutil.Similarity(window, termNorm); sim > best {
			best = sim
			if best == 1 {
				break
			}
		}
	}
	return best
}
