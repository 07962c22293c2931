package parser

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/textutil"
)

const (
	pubmedBaseURL    = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	pubmedDefaultMax = 100
	pubmedDateLayout = "2006/01/02"
)

var monthAbbrev = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// PubMedAdapter queries NCBI E-utilities: esearch for ids, then efetch for records.
type PubMedAdapter struct {
	http    *feedClient
	baseURL string
	email   string
	apiKey  string
}

var _ scanner.Adapter = (*PubMedAdapter)(nil)

// NewPubMedAdapter wires the adapter. NCBI allows three requests per second without a key.
func NewPubMedAdapter(opts FeedOptions, email, apiKey string) *PubMedAdapter {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = pubmedBaseURL
	}
	rps := 3.0
	if apiKey != "" {
		rps = 10
	}
	return &PubMedAdapter{
		http:    newFeedClient("pubmed", opts, rps),
		baseURL: base,
		email:   email,
		apiKey:  apiKey,
	}
}

func (a *PubMedAdapter) Name() string { return "pubmed" }

// Fetch searches by entry date since the cursor. A zero since leaves the date range open.
func (a *PubMedAdapter) Fetch(ctx context.Context, q scanner.Query, since time.Time) ([]domain.RawRecord, error) {
	term := pubmedTerm(q.Terms)
	if term == "" {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("query has no terms"))
	}

	ids, err := a.search(ctx, term, q.MaxResults, since)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return a.fetchRecords(ctx, ids)
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
		Error  string   `json:"ERROR"`
	} `json:"esearchresult"`
	Error string `json:"error"`
}

func (a *PubMedAdapter) search(ctx context.Context, term string, maxResults int, since time.Time) ([]string, error) {
	if maxResults <= 0 {
		maxResults = pubmedDefaultMax
	}
	params := a.params()
	params.Set("db", "pubmed")
	params.Set("term", term)
	params.Set("retmode", "json")
	params.Set("retmax", strconv.Itoa(maxResults))
	params.Set("sort", "pub_date")
	if !since.IsZero() && since.Unix() > 0 {
		params.Set("datetype", "edat")
		params.Set("mindate", since.UTC().Format(pubmedDateLayout))
		params.Set("maxdate", a.http.now().Format(pubmedDateLayout))
	}

	body, err := a.http.get(ctx, a.baseURL+"/esearch.fcgi?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("decode esearch: %w", err))
	}
	if msg := firstNonEmpty(resp.Error, resp.Result.Error); msg != "" {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("esearch: %s", msg))
	}
	a.http.debug("pubmed search", "count", resp.Result.Count, "ids", len(resp.Result.IDList))
	return resp.Result.IDList, nil
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Journal struct {
				Title string `xml:"Title"`
				Issue struct {
					PubDate pubmedDate `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			Title    innerXML `xml:"ArticleTitle"`
			Abstract struct {
				Texts []abstractText `xml:"AbstractText"`
			} `xml:"Abstract"`
			Authors []struct {
				LastName       string `xml:"LastName"`
				ForeName       string `xml:"ForeName"`
				CollectiveName string `xml:"CollectiveName"`
			} `xml:"AuthorList>Author"`
			ArticleDates []pubmedDate `xml:"ArticleDate"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	Data struct {
		IDs []struct {
			Type  string `xml:"IdType,attr"`
			Value string `xml:",chardata"`
		} `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

type innerXML struct {
	Inner string `xml:",innerxml"`
}

type abstractText struct {
	Label string `xml:"Label,attr"`
	Inner string `xml:",innerxml"`
}

type pubmedDate struct {
	Year        string `xml:"Year"`
	Month       string `xml:"Month"`
	Day         string `xml:"Day"`
	MedlineDate string `xml:"MedlineDate"`
}

func (a *PubMedAdapter) fetchRecords(ctx context.Context, ids []string) ([]domain.RawRecord, error) {
	params := a.params()
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(ids, ","))
	params.Set("retmode", "xml")

	body, err := a.http.get(ctx, a.baseURL+"/efetch.fcgi?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, scanner.Permanent(a.Name(), fmt.Errorf("decode efetch: %w", err))
	}

	out := make([]domain.RawRecord, 0, len(set.Articles))
	for _, art := range set.Articles {
		rec := toPubMedRecord(art)
		if rec.SourceID == "" || rec.Title == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func toPubMedRecord(art pubmedArticle) domain.RawRecord {
	c := art.Citation
	pmid := strings.TrimSpace(c.PMID)

	var doi string
	for _, id := range art.Data.IDs {
		if strings.EqualFold(id.Type, "doi") {
			doi = strings.TrimSpace(id.Value)
			break
		}
	}

	sections := make([]string, 0, len(c.Article.Abstract.Texts))
	for _, t := range c.Article.Abstract.Texts {
		text := textutil.StripMarkup(t.Inner)
		if text == "" {
			continue
		}
		if t.Label != "" {
			text = strings.ToUpper(t.Label) + ": " + text
		}
		sections = append(sections, text)
	}

	authors := make([]string, 0, len(c.Article.Authors))
	for _, au := range c.Article.Authors {
		name := strings.TrimSpace(strings.TrimSpace(au.ForeName) + " " + strings.TrimSpace(au.LastName))
		if name == "" {
			name = strings.TrimSpace(au.CollectiveName)
		}
		if name != "" {
			authors = append(authors, name)
		}
	}

	published := c.Article.Journal.Issue.PubDate.parse()
	if published.IsZero() && len(c.Article.ArticleDates) > 0 {
		published = c.Article.ArticleDates[0].parse()
	}

	return domain.RawRecord{
		Source:      "pubmed",
		SourceID:    pmid,
		DOI:         doi,
		Title:       textutil.StripMarkup(c.Article.Title.Inner),
		Abstract:    strings.Join(sections, "\n"),
		Authors:     authors,
		Journal:     textutil.CollapseSpace(c.Article.Journal.Title),
		PublishedAt: published,
		URL:         "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
	}
}

// parse handles numeric and abbreviated months plus the free-form MedlineDate ("2024 Jan-Feb").
func (d pubmedDate) parse() time.Time {
	year, month, day := d.Year, d.Month, d.Day
	if fields := strings.Fields(d.MedlineDate); year == "" && len(fields) > 0 {
		year = fields[0]
		if len(fields) > 1 {
			month = strings.SplitN(fields[1], "-", 2)[0]
		}
	}
	y, err := strconv.Atoi(year)
	if err != nil || y <= 0 {
		return time.Time{}
	}
	m := time.January
	if month != "" {
		if n, err := strconv.Atoi(month); err == nil && n >= 1 && n <= 12 {
			m = time.Month(n)
		} else if len(month) >= 3 {
			if parsed, ok := monthAbbrev[strings.ToLower(month[:3])]; ok {
				m = parsed
			}
		}
	}
	dd := 1
	if n, err := strconv.Atoi(day); err == nil && n >= 1 && n <= 31 {
		dd = n
	}
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func (a *PubMedAdapter) params() url.Values {
	params := url.Values{}
	params.Set("tool", "literaturescanner")
	if a.email != "" {
		params.Set("email", a.email)
	}
	if a.apiKey != "" {
		params.Set("api_key", a.apiKey)
	}
	return params
}

func pubmedTerm(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(strings.ReplaceAll(t, `"`, ""))
		if t == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`"%s"[Title/Abstract]`, t))
	}
	return strings.Join(parts, " OR ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
