package domain

import (
	"slices"
	"time"
)

// RawRecord is the normalized output of a single source adapter.
type RawRecord struct {
	Source      string    `json:"source"`
	SourceID    string    `json:"sourceId"`
	DOI         string    `json:"doi,omitempty"`
	Title       string    `json:"title"`
	Abstract    string    `json:"abstract,omitempty"`
	Authors     []string  `json:"authors,omitempty"`
	Journal     string    `json:"journal,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url,omitempty"`
}

// Analysis holds the output of the external AI analysis collaborator.
type Analysis struct {
	Findings         string    `json:"findings"`
	Innovations      string    `json:"innovations"`
	Limitations      string    `json:"limitations"`
	FutureDirections string    `json:"futureDirections"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
}

// LiteratureRecord is the canonical entity for one publication.
type LiteratureRecord struct {
	ID               string            `json:"id"`
	ExternalIDs      map[string]string `json:"externalIds"`
	DOI              string            `json:"doi,omitempty"`
	Title            string            `json:"title"`
	Abstract         string            `json:"abstract,omitempty"`
	Authors          []string          `json:"authors,omitempty"`
	Journal          string            `json:"journal,omitempty"`
	PublishedAt      time.Time         `json:"publishedAt"`
	URL              string            `json:"url,omitempty"`
	Sources          []string          `json:"sources"`
	ImpactFactor     *float64          `json:"impactFactor,omitempty"`
	ImpactFactorYear int               `json:"impactFactorYear,omitempty"`
	Analysis         *Analysis         `json:"analysis,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r LiteratureRecord) Clone() LiteratureRecord {
	out := r
	if r.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(r.ExternalIDs))
		for k, v := range r.ExternalIDs {
			out.ExternalIDs[k] = v
		}
	}
	out.Authors = slices.Clone(r.Authors)
	out.Sources = slices.Clone(r.Sources)
	if r.ImpactFactor != nil {
		f := *r.ImpactFactor
		out.ImpactFactor = &f
	}
	if r.Analysis != nil {
		a := *r.Analysis
		out.Analysis = &a
	}
	return out
}

// HasSource reports whether the given feed already reported this record.
func (r LiteratureRecord) HasSource(source string) bool {
	_, found := slices.BinarySearch(r.Sources, source)
	return found
}

// AddSource inserts source into the sorted source set. It reports whether the set changed.
func (r *LiteratureRecord) AddSource(source string) bool {
	idx, found := slices.BinarySearch(r.Sources, source)
	if found {
		return false
	}
	r.Sources = slices.Insert(r.Sources, idx, source)
	return true
}

// FirstAuthor returns the first listed author or an empty string.
func (r LiteratureRecord) FirstAuthor() string {
	if len(r.Authors) == 0 {
		return ""
	}
	return r.Authors[0]
}

// FirstAuthor returns the first listed author or an empty string.
func (r RawRecord) FirstAuthor() string {
	if len(r.Authors) == 0 {
		return ""
	}
	return r.Authors[0]
}

// ScoredRecord links a record to a keyword group by id.
type ScoredRecord struct {
	RecordID     string    `json:"recordId"`
	GroupID      string    `json:"groupId"`
	Score        float64   `json:"score"`
	MatchedTerms []string  `json:"matchedTerms"`
	ScoredAt     time.Time `json:"scoredAt"`
}

// ScoredView joins a score with its record for consumer listings.
type ScoredView struct {
	Record LiteratureRecord `json:"record"`
	Score  ScoredRecord     `json:"score"`
}

// ImpactFactorEntry is one row of the impact-factor reference table.
type ImpactFactorEntry struct {
	Journal string  `yaml:"journal" json:"journal"`
	Factor  float64 `yaml:"factor" json:"factor"`
	Year    int     `yaml:"year" json:"year"`
}
