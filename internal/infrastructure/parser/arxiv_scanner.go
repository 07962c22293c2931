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

	"github.com/PuerkitoBio/goquery"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/textutil"
)

const (
	arxivListingBaseURL = "https://arxiv.org"
	arxivListingName    = "arxiv-listing"
	arxivListingPage    = 200
	arxivListingCats    = "q-bio.BM,q-bio.QM"
)

var dateExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

// ArxivListingScanner crawls the arXiv "pastweek" category listings and keeps the entries
// dated on or after the cursor day whose title or abstract mentions a query term.
type ArxivListingScanner struct {
	http     *feedClient
	baseURL  string
	pageSize int
	lookback time.Duration
}

var _ scanner.Adapter = (*ArxivListingScanner)(nil)

// NewArxivListingScanner wires the listing crawler; pageSize defaults to 200.
func NewArxivListingScanner(opts FeedOptions) *ArxivListingScanner {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = arxivListingBaseURL
	}
	return &ArxivListingScanner{
		http:     newFeedClient(arxivListingName, opts, 1.0/3),
		baseURL:  base,
		pageSize: arxivListingPage,
		lookback: opts.Lookback,
	}
}

// Name identifies the adapter inside the registry.
func (a *ArxivListingScanner) Name() string {
	return arxivListingName
}

// Fetch walks each category listing newest first and stops a category once entries
// fall before the cursor day.
func (a *ArxivListingScanner) Fetch(ctx context.Context, q scanner.Query, since time.Time) ([]domain.RawRecord, error) {
	if len(q.Terms) == 0 {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("query has no terms"))
	}
	var categories []string
	for _, c := range strings.Split(q.Option(arxivOptionCats, arxivListingCats), ",") {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}

	from, _ := a.http.window(since, a.lookback)
	fromDay := from.UTC().Truncate(24 * time.Hour)
	results := make([]domain.RawRecord, 0)
	seen := map[string]struct{}{}

	for _, cat := range categories {
		skip := 0
		for {
			pageURL, err := buildPageURL(fmt.Sprintf("%s/list/%s/pastweek", a.baseURL, cat), skip, a.pageSize)
			if err != nil {
				return nil, scanner.Permanent(a.Name(), fmt.Errorf("category %s: %w", cat, err))
			}

			doc, err := a.fetchDocument(ctx, pageURL)
			if err != nil {
				return nil, err
			}

			page, shouldContinue := a.extractRecords(doc, fromDay, q.Terms)
			for _, rec := range page {
				if _, ok := seen[rec.SourceID]; ok {
					continue
				}
				seen[rec.SourceID] = struct{}{}
				results = append(results, rec)
			}
			a.http.debug("listing page", "category", cat, "skip", skip, "matched", len(page))

			if !shouldContinue || (q.MaxResults > 0 && len(results) >= q.MaxResults) {
				break
			}
			skip += a.pageSize
		}
	}

	if q.MaxResults > 0 && len(results) > q.MaxResults {
		results = results[:q.MaxResults]
	}
	return results, nil
}

func (a *ArxivListingScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	body, err := a.http.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("parse document: %w", err))
	}
	return doc, nil
}

func (a *ArxivListingScanner) extractRecords(doc *goquery.Document, fromDay time.Time, terms []string) ([]domain.RawRecord, bool) {
	var (
		collected    []domain.RawRecord
		continueScan = true
		processed    int
	)

	doc.Find("dl > dt").EachWithBreak(func(i int, dt *goquery.Selection) bool {
		dd := dt.Next()
		processed++

		rec, ok := parseEntry(dt, dd, a.baseURL)
		if !ok {
			return true
		}
		if !rec.PublishedAt.IsZero() && rec.PublishedAt.Before(fromDay) {
			continueScan = false
			return false
		}
		if textutil.ContainsAnyTerm(rec.Title+" "+rec.Abstract, terms) {
			collected = append(collected, rec)
		}
		return true
	})

	if processed < a.pageSize {
		continueScan = false
	}

	return collected, continueScan
}

func parseEntry(dt, dd *goquery.Selection, baseURL string) (domain.RawRecord, bool) {
	link := dt.Find("a[href*=\"/abs/\"]").First()
	href, _ := link.Attr("href")

	id := strings.TrimSpace(link.Text())
	if id == "" {
		id = href[strings.LastIndex(href, "/")+1:]
	}
	id = strings.TrimPrefix(id, "arXiv:")
	id = arxivVersion.ReplaceAllString(id, "")
	if id == "" {
		return domain.RawRecord{}, false
	}
	if href != "" && !strings.HasPrefix(href, "http") {
		href = baseURL + href
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = textutil.CollapseSpace(strings.TrimPrefix(title, "Title:"))
	if title == "" {
		return domain.RawRecord{}, false
	}

	summary := dd.Find("p.mathjax").First().Text()
	summary = textutil.CollapseSpace(strings.TrimPrefix(strings.TrimSpace(summary), "Abstract:"))

	var authors []string
	dd.Find(".list-authors a").Each(func(_ int, s *goquery.Selection) {
		if name := textutil.CollapseSpace(s.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}
	var publishedAt time.Time
	if match := dateExpr.FindString(dateText); match != "" {
		if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
			publishedAt = parsed
		}
	}

	return domain.RawRecord{
		Source:      arxivListingName,
		SourceID:    id,
		Title:       title,
		Abstract:    summary,
		Authors:     authors,
		Journal:     "arXiv",
		PublishedAt: publishedAt,
		URL:         href,
	}, true
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid category url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
