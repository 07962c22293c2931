package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/textutil"
)

const (
	arxivAPIURL        = "https://export.arxiv.org/api/query"
	arxivDefaultMax    = 100
	arxivDateLayout    = "200601021504"
	arxivOptionCats    = "categories"
	arxivAbsPrefixHTTP = "http://arxiv.org/abs/"
)

var arxivVersion = regexp.MustCompile(`v\d+$`)

// ArxivAdapter queries the arXiv export API and parses its Atom feed with gofeed.
type ArxivAdapter struct {
	http     *feedClient
	baseURL  string
	lookback time.Duration
}

var _ scanner.Adapter = (*ArxivAdapter)(nil)

// NewArxivAdapter wires the adapter. arXiv asks clients to wait three seconds between calls.
func NewArxivAdapter(opts FeedOptions) *ArxivAdapter {
	base := opts.BaseURL
	if base == "" {
		base = arxivAPIURL
	}
	return &ArxivAdapter{
		http:     newFeedClient("arxiv", opts, 1.0/3),
		baseURL:  base,
		lookback: opts.Lookback,
	}
}

func (a *ArxivAdapter) Name() string { return "arxiv" }

func (a *ArxivAdapter) Fetch(ctx context.Context, q scanner.Query, since time.Time) ([]domain.RawRecord, error) {
	search := arxivSearchQuery(q.Terms, q.Option(arxivOptionCats, ""))
	if search == "" {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("query has no terms"))
	}
	from, to := a.http.window(since, a.lookback)
	search += fmt.Sprintf(" AND submittedDate:[%s TO %s]", from.Format(arxivDateLayout), to.Format(arxivDateLayout))

	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = arxivDefaultMax
	}
	params := url.Values{}
	params.Set("search_query", search)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")

	body, err := a.http.get(ctx, a.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("parse atom feed: %w", err))
	}

	out := make([]domain.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if strings.Contains(item.GUID, "/api/errors") {
			return nil, scanner.Permanent(a.Name(), fmt.Errorf("arxiv rejected query: %s", textutil.CollapseSpace(item.Description)))
		}
		rec := toArxivRecord(item)
		if rec.SourceID == "" || rec.Title == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func toArxivRecord(item *gofeed.Item) domain.RawRecord {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	id := strings.TrimPrefix(item.GUID, arxivAbsPrefixHTTP)
	id = strings.TrimPrefix(id, "https://arxiv.org/abs/")
	id = arxivVersion.ReplaceAllString(id, "")

	authors := make([]string, 0, len(item.Authors))
	for _, p := range item.Authors {
		if p != nil && strings.TrimSpace(p.Name) != "" {
			authors = append(authors, textutil.CollapseSpace(p.Name))
		}
	}

	var published time.Time
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	}

	return domain.RawRecord{
		Source:      "arxiv",
		SourceID:    id,
		DOI:         arxivExtension(item, "doi"),
		Title:       textutil.CollapseSpace(item.Title),
		Abstract:    textutil.CollapseSpace(item.Description),
		Authors:     authors,
		Journal:     firstNonEmpty(arxivExtension(item, "journal_ref"), "arXiv"),
		PublishedAt: published,
		URL:         link,
	}
}

func arxivExtension(item *gofeed.Item, name string) string {
	values := item.Extensions["arxiv"][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

func arxivSearchQuery(terms []string, categories string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(strings.ReplaceAll(t, `"`, ""))
		if t != "" {
			parts = append(parts, fmt.Sprintf(`all:"%s"`, t))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	query := "(" + strings.Join(parts, " OR ") + ")"

	var cats []string
	for _, c := range strings.Split(categories, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, "cat:"+c)
		}
	}
	if len(cats) > 0 {
		query += " AND (" + strings.Join(cats, " OR ") + ")"
	}
	return query
}
