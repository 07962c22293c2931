// Package impact attaches journal impact factors to literature records.
package impact

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/textutil"
)

//go:embed defaults.yaml
var defaultTable []byte

var parenthesized = regexp.MustCompile(`\([^)]*\)`)

// Table is an immutable journal -> impact factor snapshot.
type Table struct {
	byJournal map[string][]domain.ImpactFactorEntry
}

type tableFile struct {
	Journals []domain.ImpactFactorEntry `yaml:"journals"`
}

// NewTable indexes entries by normalized journal name, newest year first.
func NewTable(entries []domain.ImpactFactorEntry) *Table {
	t := &Table{byJournal: make(map[string][]domain.ImpactFactorEntry, len(entries))}
	for _, e := range entries {
		key := NormalizeJournal(e.Journal)
		if key == "" {
			continue
		}
		e.Journal = key
		t.byJournal[key] = append(t.byJournal[key], e)
	}
	for key, list := range t.byJournal {
		slices.SortStableFunc(list, func(a, b domain.ImpactFactorEntry) int { return b.Year - a.Year })
		t.byJournal[key] = list
	}
	return t
}

// Parse reads the YAML reference format.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse impact factors: %w", err)
	}
	for i, e := range f.Journals {
		if strings.TrimSpace(e.Journal) == "" {
			return nil, fmt.Errorf("impact factor entry %d has no journal", i)
		}
		if e.Factor < 0 {
			return nil, fmt.Errorf("impact factor for %q is negative", e.Journal)
		}
	}
	return NewTable(f.Journals), nil
}

// LoadFile reads a reference file from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read impact factors: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in reference table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded impact factors are invalid: %v", err))
	}
	return t
}

// Lookup returns the most recent entry for journal.
func (t *Table) Lookup(journal string) (domain.ImpactFactorEntry, bool) {
	if t == nil {
		return domain.ImpactFactorEntry{}, false
	}
	list := t.byJournal[NormalizeJournal(journal)]
	if len(list) == 0 {
		return domain.ImpactFactorEntry{}, false
	}
	return list[0], true
}

// Len reports how many distinct journals the table knows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byJournal)
}

// NormalizeJournal canonicalizes journal titles so "The Lancet (London)" and
// "lancet" share a key.
func NormalizeJournal(name string) string {
	name = parenthesized.ReplaceAllString(name, " ")
	name = strings.ReplaceAll(name, "&", " and ")
	name = textutil.Normalize(name)
	return strings.TrimPrefix(name, "the ")
}
