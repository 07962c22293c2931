package parser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"LiteratureScanner/internal/scanner"
)

var fixedNow = time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC)

func testOptions(server *httptest.Server) FeedOptions {
	return FeedOptions{
		BaseURL:           server.URL,
		Client:            server.Client(),
		RequestsPerSecond: 1000,
		Now:               func() time.Time { return fixedNow },
	}
}

const efetchFixture = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">39000001</PMID>
      <Article>
        <Journal>
          <Title>Nature chemical biology</Title>
          <JournalIssue><PubDate><Year>2025</Year><Month>Mar</Month><Day>4</Day></PubDate></JournalIssue>
        </Journal>
        <ArticleTitle>Targeted degradation with <i>PROTAC</i> molecules</ArticleTitle>
        <Abstract>
          <AbstractText Label="Background">Degraders remove proteins.</AbstractText>
          <AbstractText Label="Results">BRD4 was degraded.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Smith</LastName><ForeName>Jane</ForeName></Author>
          <Author><CollectiveName>Degrader Consortium</CollectiveName></Author>
        </AuthorList>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">39000001</ArticleId>
        <ArticleId IdType="doi">10.1038/s41589-025-0001</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">39000002</PMID>
      <Article>
        <Journal>
          <Title>Blood</Title>
          <JournalIssue><PubDate><MedlineDate>2024 Nov-Dec</MedlineDate></PubDate></JournalIssue>
        </Journal>
        <ArticleTitle>Molecular glue screening</ArticleTitle>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func TestPubMedAdapterFetch(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/esearch.fcgi":
			if !strings.Contains(q.Get("term"), `"PROTAC"[Title/Abstract] OR "molecular glue"[Title/Abstract]`) {
				http.Error(w, "bad term "+q.Get("term"), http.StatusBadRequest)
				return
			}
			if q.Get("mindate") != "2025/03/01" || q.Get("datetype") != "edat" || q.Get("retmax") != "20" {
				http.Error(w, "bad window", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"esearchresult":{"count":"2","idlist":["39000001","39000002"]}}`))
		case "/efetch.fcgi":
			if q.Get("id") != "39000001,39000002" || q.Get("api_key") != "key" {
				http.Error(w, "bad ids", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(efetchFixture))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	adapter := NewPubMedAdapter(testOptions(server), "ops@example.org", "key")
	records, err := adapter.Fetch(context.Background(), scanner.Query{Terms: []string{"PROTAC", "molecular glue"}, MaxResults: 20}, since)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.SourceID != "39000001" || first.DOI != "10.1038/s41589-025-0001" {
		t.Fatalf("unexpected ids: %+v", first)
	}
	if first.Title != "Targeted degradation with PROTAC molecules" {
		t.Fatalf("unexpected title: %q", first.Title)
	}
	if first.Abstract != "BACKGROUND: Degraders remove proteins.\nRESULTS: BRD4 was degraded." {
		t.Fatalf("unexpected abstract: %q", first.Abstract)
	}
	if len(first.Authors) != 2 || first.Authors[0] != "Jane Smith" || first.Authors[1] != "Degrader Consortium" {
		t.Fatalf("unexpected authors: %v", first.Authors)
	}
	if !first.PublishedAt.Equal(time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", first.PublishedAt)
	}
	if first.URL != "https://pubmed.ncbi.nlm.nih.gov/39000001/" || first.Journal != "Nature chemical biology" {
		t.Fatalf("unexpected url or journal: %+v", first)
	}

	if !records[1].PublishedAt.Equal(time.Date(2024, time.November, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected medline date: %v", records[1].PublishedAt)
	}
}

func TestPubMedAdapterEmptySearchSkipsFetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/esearch.fcgi" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		if r.URL.Query().Get("mindate") != "" {
			t.Errorf("zero cursor must leave the date range open")
		}
		_, _ = w.Write([]byte(`{"esearchresult":{"count":"0","idlist":[]}}`))
	}))
	defer server.Close()

	records, err := NewPubMedAdapter(testOptions(server), "", "").Fetch(context.Background(), scanner.Query{Terms: []string{"PROTAC"}}, time.Time{})
	if err != nil || len(records) != 0 {
		t.Fatalf("expected no records, got %v %v", records, err)
	}
}

func TestBioRxivAdapterFetch(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/details/biorxiv/2025-11-01/2025-11-10/0/json" {
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{
		  "messages":[{"status":"ok","count":3,"total":3}],
		  "collection":[
		    {"doi":"10.1101/2025.11.01.000001","title":"PROTAC linker design","authors":"Smith, J.; Doe, A.","date":"2025-11-02","version":"1","abstract":"v1"},
		    {"doi":"10.1101/2025.11.01.000002","title":"Plant roots","authors":"Lee, K.","date":"2025-11-03","version":"1","abstract":"no match"},
		    {"doi":"10.1101/2025.11.01.000001","title":"PROTAC linker design","authors":"Smith, J.; Doe, A.","date":"2025-11-05","version":"2","abstract":"v2"}
		  ]}`))
	}))
	defer server.Close()

	adapter := NewBioRxivAdapter("biorxiv", testOptions(server))
	records, err := adapter.Fetch(context.Background(), scanner.Query{Terms: []string{"protac"}}, since)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Abstract != "v2" || rec.DOI != "10.1101/2025.11.01.000001" || rec.SourceID != rec.DOI {
		t.Fatalf("expected the latest version, got %+v", rec)
	}
	if len(rec.Authors) != 2 || rec.Authors[1] != "Doe, A." || rec.Journal != "bioRxiv" {
		t.Fatalf("unexpected authors or journal: %+v", rec)
	}
	if rec.URL != "https://www.biorxiv.org/content/10.1101/2025.11.01.000001v2" {
		t.Fatalf("unexpected url: %s", rec.URL)
	}
}

func TestBioRxivAdapterNoPosts(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"status":"no posts found"}],"collection":[]}`))
	}))
	defer server.Close()

	records, err := NewBioRxivAdapter("medrxiv", testOptions(server)).Fetch(context.Background(), scanner.Query{Terms: []string{"glue"}}, time.Time{})
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty result, got %v %v", records, err)
	}
}

func TestAdaptersClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
	}{
		{status: http.StatusBadRequest, transient: false},
		{status: http.StatusNotFound, transient: false},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			adapters := []scanner.Adapter{
				NewPubMedAdapter(testOptions(server), "", ""),
				NewBioRxivAdapter("biorxiv", testOptions(server)),
				NewArxivAdapter(testOptions(server)),
				NewArxivListingScanner(testOptions(server)),
			}
			for _, adapter := range adapters {
				_, err := adapter.Fetch(context.Background(), scanner.Query{Terms: []string{"PROTAC"}}, time.Time{})
				if err == nil {
					t.Fatalf("%s: expected error", adapter.Name())
				}
				if scanner.IsTransient(err) != tc.transient || scanner.IsPermanent(err) == tc.transient {
					t.Fatalf("%s: unexpected classification for %d: %v", adapter.Name(), tc.status, err)
				}
			}
		})
	}
}

func TestAdaptersRejectEmptyQuery(t *testing.T) {
	t.Parallel()

	adapters := []scanner.Adapter{
		NewPubMedAdapter(FeedOptions{}, "", ""),
		NewBioRxivAdapter("biorxiv", FeedOptions{}),
		NewArxivAdapter(FeedOptions{}),
		NewArxivListingScanner(FeedOptions{}),
	}
	for _, adapter := range adapters {
		if _, err := adapter.Fetch(context.Background(), scanner.Query{}, time.Time{}); !scanner.IsPermanent(err) {
			t.Fatalf("%s: expected permanent error, got %v", adapter.Name(), err)
		}
	}
}

const arxivFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <title>ArXiv Query</title>
  <id>http://arxiv.org/api/query</id>
  <updated>2025-11-10T00:00:00-05:00</updated>
  <entry>
    <id>http://arxiv.org/abs/2511.01234v2</id>
    <updated>2025-11-08T18:00:00Z</updated>
    <published>2025-11-07T18:00:00Z</published>
    <title>Generative design of
      PROTAC linkers</title>
    <summary>  We design linkers.  </summary>
    <author><name>Jane Smith</name></author>
    <author><name>John Doe</name></author>
    <arxiv:doi>10.48550/arXiv.2511.01234</arxiv:doi>
    <link href="http://arxiv.org/abs/2511.01234v2" rel="alternate" type="text/html"/>
  </entry>
</feed>`

const arxivErrorFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query</title>
  <id>http://arxiv.org/api/query</id>
  <updated>2025-11-10T00:00:00-05:00</updated>
  <entry>
    <id>http://arxiv.org/api/errors#incorrect_id_format</id>
    <title>Error</title>
    <summary>malformed search query</summary>
    <updated>2025-11-10T00:00:00-05:00</updated>
  </entry>
</feed>`

func TestArxivAdapterFetch(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		want := `(all:"PROTAC" OR all:"molecular glue") AND (cat:q-bio.BM) AND submittedDate:[202511010000 TO 202511101200]`
		if q.Get("search_query") != want || q.Get("sortBy") != "submittedDate" || q.Get("max_results") != "100" {
			http.Error(w, "unexpected query "+q.Get("search_query"), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(arxivFixture))
	}))
	defer server.Close()

	q := scanner.Query{
		Terms:   []string{"PROTAC", "molecular glue"},
		Options: map[string]string{"categories": "q-bio.BM"},
	}
	records, err := NewArxivAdapter(testOptions(server)).Fetch(context.Background(), q, since)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.SourceID != "2511.01234" || rec.DOI != "10.48550/arXiv.2511.01234" {
		t.Fatalf("unexpected ids: %+v", rec)
	}
	if rec.Title != "Generative design of PROTAC linkers" || rec.Abstract != "We design linkers." {
		t.Fatalf("unexpected text: %q %q", rec.Title, rec.Abstract)
	}
	if len(rec.Authors) != 2 || rec.Authors[1] != "John Doe" || rec.Journal != "arXiv" {
		t.Fatalf("unexpected authors or journal: %+v", rec)
	}
	if !rec.PublishedAt.Equal(time.Date(2025, time.November, 7, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date: %v", rec.PublishedAt)
	}
}

func TestArxivAdapterErrorEntryIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(arxivErrorFixture))
	}))
	defer server.Close()

	_, err := NewArxivAdapter(testOptions(server)).Fetch(context.Background(), scanner.Query{Terms: []string{"PROTAC"}}, time.Time{})
	if !scanner.IsPermanent(err) || !strings.Contains(err.Error(), "malformed search query") {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestArxivSearchQuery(t *testing.T) {
	t.Parallel()

	if got := arxivSearchQuery([]string{` "PROTAC" `, ""}, ""); got != `(all:"PROTAC")` {
		t.Fatalf("unexpected query %q", got)
	}
	if got := arxivSearchQuery([]string{" "}, "q-bio.BM"); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}
