package scoring

import (
	"cmp"
	"slices"
	"time"

	"LiteratureScanner/internal/domain"
)

// SortOrder selects the presentation order for scored listings.
type SortOrder string

const (
	SortScore  SortOrder = "score"
	SortDate   SortOrder = "date"
	SortImpact SortOrder = "impact"
)

// ParseSortOrder maps user input to a SortOrder, defaulting to SortScore.
func ParseSortOrder(s string) SortOrder {
	switch SortOrder(s) {
	case SortDate, SortImpact:
		return SortOrder(s)
	default:
		return SortScore
	}
}

// Filter narrows a scored listing. Zero values disable each condition.
type Filter struct {
	MinScore     float64
	Source       string
	Since        time.Time
	Term         string
	AnalyzedOnly bool
	Limit        int
}

// Match reports whether view passes the filter.
func (f Filter) Match(view domain.ScoredView) bool {
	if view.Score.Score < f.MinScore {
		return false
	}
	if f.Source != "" && !view.Record.HasSource(f.Source) {
		return false
	}
	if !f.Since.IsZero() && view.Record.PublishedAt.Before(f.Since) {
		return false
	}
	if f.Term != "" && !slices.Contains(view.Score.MatchedTerms, f.Term) {
		return false
	}
	if f.AnalyzedOnly && view.Record.Analysis == nil {
		return false
	}
	return true
}

// Rank filters views and orders them. Ties always fall back to publication date,
// newest first, then record id for a stable listing.
func Rank(views []domain.ScoredView, filter Filter, order SortOrder) []domain.ScoredView {
	out := make([]domain.ScoredView, 0, len(views))
	for _, v := range views {
		if filter.Match(v) {
			out = append(out, v)
		}
	}

	slices.SortStableFunc(out, func(a, b domain.ScoredView) int {
		var primary int
		switch order {
		case SortDate:
			primary = b.Record.PublishedAt.Compare(a.Record.PublishedAt)
		case SortImpact:
			primary = cmp.Compare(impactOf(b.Record), impactOf(a.Record))
		}
		return cmp.Or(
			primary,
			cmp.Compare(b.Score.Score, a.Score.Score),
			b.Record.PublishedAt.Compare(a.Record.PublishedAt),
			cmp.Compare(a.Record.ID, b.Record.ID),
		)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func impactOf(r domain.LiteratureRecord) float64 {
	if r.ImpactFactor == nil {
		return -1
	}
	return *r.ImpactFactor
}
