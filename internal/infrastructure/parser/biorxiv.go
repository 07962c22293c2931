package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/textutil"
)

const (
	biorxivBaseURL     = "https://api.biorxiv.org"
	biorxivPageSize    = 100
	biorxivDefaultCap  = 5
	biorxivDateLayout  = "2006-01-02"
	biorxivOptionPages = "maxPages"
)

// BioRxivAdapter reads the bioRxiv/medRxiv details API. The API has no keyword search, so
// each page in the date window is filtered locally against the query terms.
type BioRxivAdapter struct {
	http     *feedClient
	baseURL  string
	server   string
	lookback time.Duration
}

var _ scanner.Adapter = (*BioRxivAdapter)(nil)

// NewBioRxivAdapter builds an adapter for server "biorxiv" or "medrxiv".
func NewBioRxivAdapter(server string, opts FeedOptions) *BioRxivAdapter {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = biorxivBaseURL
	}
	return &BioRxivAdapter{
		http:     newFeedClient(server, opts, 2),
		baseURL:  base,
		server:   server,
		lookback: opts.Lookback,
	}
}

func (a *BioRxivAdapter) Name() string { return a.server }

type biorxivResponse struct {
	Messages []struct {
		Status string      `json:"status"`
		Count  json.Number `json:"count"`
		Total  json.Number `json:"total"`
	} `json:"messages"`
	Collection []biorxivItem `json:"collection"`
}

type biorxivItem struct {
	DOI       string `json:"doi"`
	Title     string `json:"title"`
	Authors   string `json:"authors"`
	Date      string `json:"date"`
	Version   string `json:"version"`
	Category  string `json:"category"`
	Abstract  string `json:"abstract"`
	Server    string `json:"server"`
	Published string `json:"published"`
}

func (a *BioRxivAdapter) Fetch(ctx context.Context, q scanner.Query, since time.Time) ([]domain.RawRecord, error) {
	if len(q.Terms) == 0 {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("query has no terms"))
	}
	from, to := a.http.window(since, a.lookback)
	maxPages := biorxivDefaultCap
	if v := q.Option(biorxivOptionPages, ""); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &maxPages); err != nil || maxPages <= 0 {
			return nil, scanner.Permanent(a.Name(), fmt.Errorf("invalid %s option %q", biorxivOptionPages, v))
		}
	}

	byDOI := map[string]int{}
	var out []domain.RawRecord
	cursor := 0
	for page := 0; page < maxPages; page++ {
		pageURL := fmt.Sprintf("%s/details/%s/%s/%s/%d/json", a.baseURL, a.server,
			from.Format(biorxivDateLayout), to.Format(biorxivDateLayout), cursor)
		body, err := a.http.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		var resp biorxivResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, scanner.Permanent(a.Name(), fmt.Errorf("decode details: %w", err))
		}
		if len(resp.Messages) > 0 && !strings.EqualFold(resp.Messages[0].Status, "ok") {
			// "no posts found" is reported as a status message, not an error code.
			break
		}

		for _, item := range resp.Collection {
			text := item.Title + " " + item.Abstract
			if !textutil.ContainsAnyTerm(text, q.Terms) {
				continue
			}
			rec := a.toRecord(item)
			// Later versions of the same preprint replace earlier ones.
			if idx, ok := byDOI[rec.DOI]; ok {
				out[idx] = rec
				continue
			}
			byDOI[rec.DOI] = len(out)
			out = append(out, rec)
		}

		count := len(resp.Collection)
		total := count
		if len(resp.Messages) > 0 {
			if n, err := resp.Messages[0].Total.Int64(); err == nil {
				total = int(n)
			}
		}
		cursor += count
		if count < biorxivPageSize || cursor >= total {
			break
		}
		if q.MaxResults > 0 && len(out) >= q.MaxResults {
			break
		}
	}

	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	a.http.debug("preprints matched", "server", a.server, "from", from.Format(biorxivDateLayout), "records", len(out))
	return out, nil
}

func (a *BioRxivAdapter) toRecord(item biorxivItem) domain.RawRecord {
	var authors []string
	for _, name := range strings.Split(item.Authors, ";") {
		if name = strings.TrimSpace(name); name != "" {
			authors = append(authors, name)
		}
	}
	published, _ := time.Parse(biorxivDateLayout, strings.TrimSpace(item.Date))
	doi := strings.TrimSpace(item.DOI)

	journal := "bioRxiv"
	if a.server == "medrxiv" {
		journal = "medRxiv"
	}
	return domain.RawRecord{
		Source:      a.server,
		SourceID:    doi,
		DOI:         doi,
		Title:       textutil.CollapseSpace(item.Title),
		Abstract:    textutil.CollapseSpace(item.Abstract),
		Authors:     authors,
		Journal:     journal,
		PublishedAt: published,
		URL:         fmt.Sprintf("https://www.%s.org/content/%sv%s", a.server, doi, firstNonEmpty(item.Version, "1")),
	}
}
