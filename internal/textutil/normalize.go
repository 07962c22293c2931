// Package textutil holds the text normalization shared by adapters, dedup and scoring.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// CollapseSpace joins all whitespace runs into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Normalize lower-cases s, replaces punctuation with spaces and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return CollapseSpace(b.String())
}

// Tokens splits normalized text into words.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// Surname extracts a normalized family name from "First Last" or "Last, First" forms.
func Surname(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if idx := strings.Index(author, ","); idx > 0 {
		return Normalize(author[:idx])
	}
	parts := Tokens(author)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// NormalizeDOI strips resolver prefixes and lower-cases a DOI.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi.org/", "doi:"} {
		d = strings.TrimPrefix(d, prefix)
	}
	return strings.TrimSpace(d)
}

// ContainsWord reports a case-insensitive whole-word occurrence of term in text.
// Boundaries are any non letter/digit rune or the ends of text.
func ContainsWord(text, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	lower := strings.ToLower(text)

	offset := 0
	for {
		idx := strings.Index(lower[offset:], term)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(term)
		if isBoundary(lower, start-1, true) && isBoundary(lower, end, false) {
			return true
		}
		offset = start + 1
	}
}

func isBoundary(s string, pos int, before bool) bool {
	if pos < 0 || pos >= len(s) {
		return true
	}
	var r rune
	if before {
		r, _ = utf8.DecodeLastRuneInString(s[:pos+1])
	} else {
		r, _ = utf8.DecodeRuneInString(s[pos:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// StripMarkup removes HTML/XML tags from feed payloads, keeping text content.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return CollapseSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return CollapseSpace(s)
	}
	return CollapseSpace(doc.Text())
}

// ContainsAnyTerm reports whether text matches at least one term, using whole-word
// matching for short terms and substring matching otherwise. Hyphen and space variants
// of a term are accepted as well.
func ContainsAnyTerm(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if len(t) <= 3 {
			if ContainsWord(lower, t) {
				return true
			}
			continue
		}
		if strings.Contains(lower, t) {
			return true
		}
		if strings.Contains(t, "-") && strings.Contains(lower, strings.ReplaceAll(t, "-", "")) {
			return true
		}
		if strings.Contains(t, " ") && strings.Contains(lower, strings.ReplaceAll(t, " ", "-")) {
			return true
		}
	}
	return false
}
