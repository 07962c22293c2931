// Package dedup merges adapter output into the canonical literature corpus.
package dedup

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/textutil"
)

// DefaultTitleThreshold is the minimum title similarity for the title + author rule.
const DefaultTitleThreshold = 0.9

const titleBlockTokens = 4

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("literaturescanner/record"))

// Config tunes the fuzzy title rule.
type Config struct {
	TitleThreshold float64 `yaml:"titleThreshold"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{TitleThreshold: DefaultTitleThreshold}
}

// Result partitions the records touched by a merge. A record appears in exactly one slice.
type Result struct {
	// New records did not exist before the merge.
	New []*domain.LiteratureRecord
	// Updated records existed and gained a source, an external id or a backfilled field.
	Updated []*domain.LiteratureRecord
	// Matched records existed and were re-reported without any change.
	Matched []*domain.LiteratureRecord
}

// Touched returns every record in the result, new first.
func (r Result) Touched() []*domain.LiteratureRecord {
	out := make([]*domain.LiteratureRecord, 0, len(r.New)+len(r.Updated)+len(r.Matched))
	out = append(out, r.New...)
	out = append(out, r.Updated...)
	return append(out, r.Matched...)
}

// Deduplicator applies the identity rules. It holds no corpus state of its own.
type Deduplicator struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New builds a Deduplicator. A nil now uses the wall clock.
func New(cfg Config, now func() time.Time, logger *slog.Logger) *Deduplicator {
	if cfg.TitleThreshold <= 0 || cfg.TitleThreshold > 1 {
		cfg.TitleThreshold = DefaultTitleThreshold
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Deduplicator{cfg: cfg, now: now, logger: logger}
}

type recordState int

const (
	stateUntouched recordState = iota
	stateMatched
	stateUpdated
	stateNew
)

type merger struct {
	d         *Deduplicator
	now       time.Time
	pool      []*domain.LiteratureRecord
	states    []recordState
	titles    []string
	bySource  map[string]int
	byDOI     map[string]int
	bySurname map[string][]int
	anonymous []int
}

// Merge folds incoming records into copies of existing ones. Existing records are never
// mutated; changed records are returned as fresh values in the result.
func (d *Deduplicator) Merge(existing []*domain.LiteratureRecord, incoming []domain.RawRecord) Result {
	m := &merger{
		d:         d,
		now:       d.now(),
		bySource:  map[string]int{},
		byDOI:     map[string]int{},
		bySurname: map[string][]int{},
	}
	ordered := slices.DeleteFunc(slices.Clone(existing), func(rec *domain.LiteratureRecord) bool { return rec == nil })
	slices.SortStableFunc(ordered, func(a, b *domain.LiteratureRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, rec := range ordered {
		clone := rec.Clone()
		m.add(&clone, stateUntouched)
	}

	for _, raw := range sortIncoming(incoming) {
		raw = Canonicalize(raw)
		if raw.Title == "" && raw.DOI == "" {
			m.debug("skip record without title or doi", "source", raw.Source, "source_id", raw.SourceID)
			continue
		}
		idx, rule, ok := m.find(raw)
		if !ok {
			m.add(newRecord(raw, m.now), stateNew)
			continue
		}
		m.absorb(idx, raw, rule)
	}

	var res Result
	for i, rec := range m.pool {
		switch m.states[i] {
		case stateNew:
			res.New = append(res.New, rec)
		case stateUpdated:
			res.Updated = append(res.Updated, rec)
		case stateMatched:
			res.Matched = append(res.Matched, rec)
		}
	}
	return res
}

// Canonicalize trims the fields identity rules depend on.
func Canonicalize(raw domain.RawRecord) domain.RawRecord {
	raw.Source = strings.TrimSpace(raw.Source)
	raw.SourceID = strings.TrimSpace(raw.SourceID)
	raw.DOI = textutil.NormalizeDOI(raw.DOI)
	raw.Title = textutil.CollapseSpace(raw.Title)
	raw.Abstract = strings.TrimSpace(raw.Abstract)
	raw.Journal = textutil.CollapseSpace(raw.Journal)
	raw.URL = strings.TrimSpace(raw.URL)
	authors := raw.Authors[:0:0]
	for _, a := range raw.Authors {
		if a = textutil.CollapseSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	raw.Authors = authors
	if !raw.PublishedAt.IsZero() {
		raw.PublishedAt = raw.PublishedAt.UTC()
	}
	return raw
}

// CanonicalID derives the stable record id from the first canonical key of raw.
func CanonicalID(raw domain.RawRecord) string {
	raw = Canonicalize(raw)
	key := "src:" + raw.Source + ":" + raw.SourceID
	switch {
	case raw.DOI != "":
		key = "doi:" + raw.DOI
	case raw.SourceID == "":
		key = "title:" + textutil.Normalize(raw.Title) + "|" + textutil.Surname(raw.FirstAuthor())
	}
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// BlockKeys returns the lock keys derived from raw itself. Callers lock the union of keys
// for a batch before reading candidates so concurrent merges reporting the same
// publication serialize. They do not cover the corpus record raw ends up matching.
func BlockKeys(raw domain.RawRecord) []string {
	raw = Canonicalize(raw)
	keys := make([]string, 0, 4)
	if raw.Source != "" && raw.SourceID != "" {
		keys = append(keys, "src:"+raw.Source+":"+raw.SourceID)
	}
	if raw.DOI != "" {
		keys = append(keys, "doi:"+raw.DOI)
	}
	if surname := textutil.Surname(raw.FirstAuthor()); surname != "" {
		keys = append(keys, "author:"+surname)
	}
	if tokens := textutil.Tokens(raw.Title); len(tokens) > 0 {
		keys = append(keys, "title:"+strings.Join(tokens[:min(len(tokens), titleBlockTokens)], " "))
	}
	return keys
}

func sortIncoming(incoming []domain.RawRecord) []domain.RawRecord {
	out := slices.Clone(incoming)
	slices.SortStableFunc(out, func(a, b domain.RawRecord) int {
		return cmp.Or(
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.SourceID, b.SourceID),
			cmp.Compare(textutil.NormalizeDOI(a.DOI), textutil.NormalizeDOI(b.DOI)),
			cmp.Compare(a.Title, b.Title),
		)
	})
	return out
}

func newRecord(raw domain.RawRecord, now time.Time) *domain.LiteratureRecord {
	rec := &domain.LiteratureRecord{
		ID:          CanonicalID(raw),
		ExternalIDs: map[string]string{},
		DOI:         raw.DOI,
		Title:       raw.Title,
		Abstract:    raw.Abstract,
		Authors:     slices.Clone(raw.Authors),
		Journal:     raw.Journal,
		PublishedAt: raw.PublishedAt,
		URL:         raw.URL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if raw.Source != "" {
		rec.AddSource(raw.Source)
		if raw.SourceID != "" {
			rec.ExternalIDs[raw.Source] = raw.SourceID
		}
	}
	return rec
}

func (m *merger) add(rec *domain.LiteratureRecord, state recordState) {
	idx := len(m.pool)
	m.pool = append(m.pool, rec)
	m.states = append(m.states, state)
	m.titles = append(m.titles, textutil.Normalize(rec.Title))
	m.index(idx)
}

func (m *merger) index(idx int) {
	rec := m.pool[idx]
	for source, id := range rec.ExternalIDs {
		key := sourceKey(source, id)
		if _, taken := m.bySource[key]; !taken {
			m.bySource[key] = idx
		}
	}
	if rec.DOI != "" {
		if _, taken := m.byDOI[rec.DOI]; !taken {
			m.byDOI[rec.DOI] = idx
		}
	}
	surname := textutil.Surname(rec.FirstAuthor())
	if surname == "" {
		if !slices.Contains(m.anonymous, idx) {
			m.anonymous = append(m.anonymous, idx)
		}
		return
	}
	if !slices.Contains(m.bySurname[surname], idx) {
		m.bySurname[surname] = append(m.bySurname[surname], idx)
	}
}

type rule string

const (
	ruleSource rule = "source-id"
	ruleDOI    rule = "doi"
	ruleTitle  rule = "title-author"
)

func (m *merger) find(raw domain.RawRecord) (int, rule, bool) {
	if raw.Source != "" && raw.SourceID != "" {
		if idx, ok := m.bySource[sourceKey(raw.Source, raw.SourceID)]; ok {
			return idx, ruleSource, true
		}
	}
	if raw.DOI != "" {
		if idx, ok := m.byDOI[raw.DOI]; ok {
			return idx, ruleDOI, true
		}
	}
	if idx, ok := m.findByTitle(raw); ok {
		return idx, ruleTitle, true
	}
	return 0, "", false
}

func (m *merger) findByTitle(raw domain.RawRecord) (int, bool) {
	title := textutil.Normalize(raw.Title)
	if title == "" {
		return 0, false
	}

	var candidates []int
	if surname := textutil.Surname(raw.FirstAuthor()); surname != "" {
		candidates = append(candidates, m.bySurname[surname]...)
		candidates = append(candidates, m.anonymous...)
		slices.Sort(candidates)
	} else {
		candidates = make([]int, len(m.pool))
		for i := range m.pool {
			candidates[i] = i
		}
	}

	best, bestScore := -1, 0.0
	for _, idx := range candidates {
		if m.titles[idx] == "" {
			continue
		}
		score := textutil.Similarity(title, m.titles[idx])
		if score >= m.d.cfg.TitleThreshold && score > bestScore {
			best, bestScore = idx, score
		}
	}
	return best, best >= 0
}

func (m *merger) absorb(idx int, raw domain.RawRecord, matchedBy rule) {
	rec := m.pool[idx]
	changed := false

	if raw.Source != "" {
		changed = rec.AddSource(raw.Source) || changed
		if raw.SourceID != "" {
			if rec.ExternalIDs == nil {
				rec.ExternalIDs = map[string]string{}
			}
			if current, ok := rec.ExternalIDs[raw.Source]; !ok {
				rec.ExternalIDs[raw.Source] = raw.SourceID
				changed = true
			} else if current != raw.SourceID {
				m.debug("dedup conflict: keeping existing external id",
					"record", rec.ID, "source", raw.Source, "existing", current, "incoming", raw.SourceID, "rule", matchedBy)
			}
		}
	}

	if raw.DOI != "" && rec.DOI != "" && raw.DOI != rec.DOI {
		m.debug("dedup conflict: keeping existing doi", "record", rec.ID, "existing", rec.DOI, "incoming", raw.DOI, "rule", matchedBy)
	}
	changed = backfill(&rec.DOI, raw.DOI) || changed
	changed = backfill(&rec.Title, raw.Title) || changed
	changed = backfill(&rec.Abstract, raw.Abstract) || changed
	changed = backfill(&rec.Journal, raw.Journal) || changed
	changed = backfill(&rec.URL, raw.URL) || changed
	if len(rec.Authors) == 0 && len(raw.Authors) > 0 {
		rec.Authors = slices.Clone(raw.Authors)
		changed = true
	}
	if rec.PublishedAt.IsZero() && !raw.PublishedAt.IsZero() {
		rec.PublishedAt = raw.PublishedAt
		changed = true
	}

	switch {
	case m.states[idx] == stateNew:
		if changed {
			rec.UpdatedAt = m.now
		}
	case changed:
		rec.UpdatedAt = m.now
		m.states[idx] = stateUpdated
	case m.states[idx] == stateUntouched:
		m.states[idx] = stateMatched
	}

	if changed {
		m.titles[idx] = textutil.Normalize(rec.Title)
		m.index(idx)
	}
	if raw.DOI != "" {
		if _, taken := m.byDOI[raw.DOI]; !taken {
			m.byDOI[raw.DOI] = idx
		}
	}
}

func backfill(dst *string, value string) bool {
	if *dst != "" || value == "" {
		return false
	}
	*dst = value
	return true
}

func sourceKey(source, id string) string {
	return source + "\x00" + id
}

func (m *merger) debug(msg string, args ...interface{}) {
	if m.d.logger != nil {
		m.d.logger.Debug(msg, args...)
	}
}
