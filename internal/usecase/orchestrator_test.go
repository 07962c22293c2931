package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LiteratureScanner/internal/cache"
	"LiteratureScanner/internal/clock"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/infrastructure/storage"
	"LiteratureScanner/internal/ports"
	"LiteratureScanner/internal/retry"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/scoring"
)

var t0 = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	name  string
	fetch func(ctx context.Context, call int, since time.Time) ([]domain.RawRecord, error)

	mu     sync.Mutex
	calls  int
	sinces []time.Time
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, _ scanner.Query, since time.Time) ([]domain.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	return f.fetch(ctx, call, since)
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) Sinces() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sinces)
}

func returning(records ...domain.RawRecord) func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
	return func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
		return slices.Clone(records), nil
	}
}

func failing(err error) func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
	return func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
		return nil, err
	}
}

type fixture struct {
	orch  *Orchestrator
	store *storage.MemoryStore
	clock *clock.Fake
}

func newFixture(t *testing.T, cfg Config, adapters ...scanner.Adapter) fixture {
	t.Helper()
	return newFixtureWithAnalyzer(t, cfg, nil, adapters...)
}

func newFixtureWithAnalyzer(t *testing.T, cfg Config, analyzer *fakeAnalyzer, adapters ...scanner.Adapter) fixture {
	t.Helper()
	reg := scanner.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	store := storage.NewMemoryStore()
	clk := clock.NewFake(t0)
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, InitialInterval: 2 * time.Second, MaxInterval: 30 * time.Second, Multiplier: 2}
	}
	deps := OrchestratorDeps{
		Store:    store,
		Registry: reg,
		Cache:    cache.NewManager(nil, clk, 0, nil),
		Clock:    clk,
		Config:   cfg,
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
	}
	orch, err := NewOrchestrator(deps)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return fixture{orch: orch, store: store, clock: clk}
}

func (f fixture) group(t *testing.T, terms ...string) domain.KeywordGroup {
	t.Helper()
	list := make([]domain.Term, 0, len(terms))
	for _, term := range terms {
		list = append(list, domain.Term{Text: term})
	}
	g, err := f.orch.CreateKeywordGroup(context.Background(), "degraders", list)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func raw(source, id, title string) domain.RawRecord {
	return domain.RawRecord{
		Source:      source,
		SourceID:    id,
		Title:       title,
		Abstract:    "Abstract of " + title,
		Authors:     []string{"Jane Smith"},
		Journal:     "Nature",
		PublishedAt: t0.Add(-24 * time.Hour),
	}
}

func TestRunUpdateSucceeds(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(
		raw("pubmed", "1", "PROTAC degraders for BRD4"),
		raw("pubmed", "2", "Unrelated plant biology"),
	)}
	f := newFixture(t, Config{}, pubmed)
	g := f.group(t, "PROTAC")

	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("run update: %v", err)
	}
	if job.State != domain.JobSucceeded || job.NewRecords != 2 || job.ScoredRecords != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	views, err := f.orch.GetScoredRecords(context.Background(), g.ID, scoring.Filter{}, scoring.SortScore)
	if err != nil || len(views) != 1 {
		t.Fatalf("unexpected views %+v %v", views, err)
	}
	rec := views[0].Record
	if rec.Title != "PROTAC degraders for BRD4" || rec.ImpactFactor == nil {
		t.Fatalf("expected enriched record, got %+v", rec)
	}
	if !slices.Equal(views[0].Score.MatchedTerms, []string{"PROTAC"}) {
		t.Fatalf("unexpected matched terms %v", views[0].Score.MatchedTerms)
	}

	stored, err := f.orch.GetJobStatus(context.Background(), job.ID)
	if err != nil || stored.State != domain.JobSucceeded {
		t.Fatalf("job not persisted: %+v %v", stored, err)
	}
}

func TestPartialCycleAdvancesOnlySuccessfulCursors(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC linker chemistry"))}
	arxiv := &fakeAdapter{name: "arxiv", fetch: failing(scanner.Permanent("arxiv", errors.New("400 bad query")))}
	f := newFixture(t, Config{}, pubmed, arxiv)
	g := f.group(t, "PROTAC")

	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("run update: %v", err)
	}
	if job.State != domain.JobPartial {
		t.Fatalf("expected partial, got %s", job.State)
	}
	st := job.SourceStatus("arxiv")
	if st == nil || st.State != domain.SourceFailed || st.ErrorKind != domain.ErrorPermanent || st.Attempts != 1 {
		t.Fatalf("unexpected arxiv status %+v", st)
	}

	cursors, _ := f.store.GetCursors(context.Background(), g.ID)
	if len(cursors) != 1 || !cursors["pubmed"].Equal(t0) {
		t.Fatalf("unexpected cursors %v", cursors)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.orch.RunUpdate(context.Background(), g.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sinces := pubmed.Sinces(); len(sinces) != 2 || !sinces[1].Equal(t0) {
		t.Fatalf("pubmed must resume from its cursor, got %v", sinces)
	}
	if sinces := arxiv.Sinces(); len(sinces) != 2 || !sinces[1].IsZero() {
		t.Fatalf("arxiv must keep its old cursor, got %v", sinces)
	}
}

func TestTotalFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: failing(scanner.Transient("pubmed", errors.New("503")))}
	arxiv := &fakeAdapter{name: "arxiv", fetch: failing(scanner.Permanent("arxiv", errors.New("400")))}
	f := newFixture(t, Config{}, pubmed, arxiv)
	g := f.group(t, "PROTAC")

	before, err := f.store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("run update: %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	after, _ := f.store.Snapshot()
	if !bytes.Equal(before, after) {
		t.Fatalf("failed cycle changed corpus state:\n%s\n%s", before, after)
	}

	if pubmed.Calls() != 3 {
		t.Fatalf("transient source must be retried up to the limit, got %d calls", pubmed.Calls())
	}
	if arxiv.Calls() != 1 {
		t.Fatalf("permanent source must not be retried, got %d calls", arxiv.Calls())
	}
	if st := job.SourceStatus("pubmed"); st.ErrorKind != domain.ErrorTransient || st.Attempts != 3 {
		t.Fatalf("unexpected pubmed status %+v", st)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	flaky := &fakeAdapter{name: "pubmed", fetch: func(_ context.Context, call int, _ time.Time) ([]domain.RawRecord, error) {
		if call < 3 {
			return nil, scanner.Transient("pubmed", errors.New("503"))
		}
		return []domain.RawRecord{raw("pubmed", "1", "PROTAC")}, nil
	}}
	f := newFixture(t, Config{}, flaky)
	g := f.group(t, "PROTAC")

	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("run update: %v", err)
	}
	if job.State != domain.JobSucceeded || job.Sources[0].Attempts != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	if sleeps := f.clock.Sleeps(); !slices.Equal(sleeps, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("unexpected backoff schedule %v", sleeps)
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := &fakeAdapter{name: "pubmed", fetch: func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
		started <- struct{}{}
		<-release
		return []domain.RawRecord{raw("pubmed", "1", "PROTAC")}, nil
	}}
	f := newFixture(t, Config{}, slow)
	g := f.group(t, "PROTAC")
	ctx := context.Background()

	first, err := f.orch.TriggerUpdate(ctx, g.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-started

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = f.orch.TriggerUpdate(ctx, g.ID)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != first {
			t.Fatalf("expected coalesced job %s, got %s", first, id)
		}
	}

	running, err := f.orch.GetJobStatus(ctx, first)
	if err != nil || running.State != domain.JobRunning {
		t.Fatalf("expected running snapshot, got %+v %v", running, err)
	}

	close(release)
	job, err := f.orch.AwaitJob(ctx, first)
	if err != nil || job.State != domain.JobSucceeded {
		t.Fatalf("unexpected job %+v %v", job, err)
	}
	if slow.Calls() != 1 {
		t.Fatalf("expected one fetch, got %d", slow.Calls())
	}
	if jobs, _ := f.orch.ListJobs(ctx, g.ID); len(jobs) != 1 {
		t.Fatalf("expected a single job, got %d", len(jobs))
	}
}

func TestCycleTimeoutFailsUnfinishedSources(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := &fakeAdapter{name: "biorxiv", fetch: func(context.Context, int, time.Time) ([]domain.RawRecord, error) {
		<-release
		return []domain.RawRecord{raw("biorxiv", "10.1101/x", "PROTAC late")}, nil
	}}
	fast := &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC early"))}
	f := newFixture(t, Config{CycleTimeout: 50 * time.Millisecond}, stuck, fast)
	g := f.group(t, "PROTAC")

	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("run update: %v", err)
	}
	if job.State != domain.JobPartial {
		t.Fatalf("expected partial, got %s", job.State)
	}
	st := job.SourceStatus("biorxiv")
	if st.State != domain.SourceFailed || st.ErrorKind != domain.ErrorTimeout {
		t.Fatalf("unexpected biorxiv status %+v", st)
	}
	cursors, _ := f.store.GetCursors(context.Background(), g.ID)
	if _, ok := cursors["biorxiv"]; ok {
		t.Fatalf("timed out source must not advance its cursor")
	}
	records, _ := f.store.ListRecords(context.Background())
	if len(records) != 1 || records[0].Title != "PROTAC early" {
		t.Fatalf("late results must be ignored, got %+v", records)
	}
}

func TestSameRecordFromTwoSourcesMergesOnce(t *testing.T) {
	t.Parallel()

	a := raw("pubmed", "39000001", "PROTAC degraders")
	a.DOI = "10.1038/x"
	b := raw("biorxiv", "10.1038/x", "PROTAC degraders")
	b.DOI = "https://doi.org/10.1038/X"
	f := newFixture(t, Config{}, &fakeAdapter{name: "pubmed", fetch: returning(a)}, &fakeAdapter{name: "biorxiv", fetch: returning(b)})
	g := f.group(t, "PROTAC")

	job, err := f.orch.RunUpdate(context.Background(), g.ID)
	if err != nil || job.State != domain.JobSucceeded {
		t.Fatalf("unexpected job %+v %v", job, err)
	}
	records, _ := f.store.ListRecords(context.Background())
	if len(records) != 1 || !slices.Equal(records[0].Sources, []string{"biorxiv", "pubmed"}) {
		t.Fatalf("expected one merged record, got %+v", records)
	}
}

// termAdapter answers only queries whose first term it knows.
type termAdapter struct {
	name   string
	byTerm map[string][]domain.RawRecord
}

func (a termAdapter) Name() string { return a.name }

func (a termAdapter) Fetch(_ context.Context, q scanner.Query, _ time.Time) ([]domain.RawRecord, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}
	return slices.Clone(a.byTerm[q.Terms[0]]), nil
}

// barrierStore holds the first two corpus reads after arming until both have arrived, so
// two cycles load the corpus before either commits.
type barrierStore struct {
	*storage.MemoryStore
	armed   atomic.Bool
	arrived atomic.Int32
	both    chan struct{}
}

func (s *barrierStore) ListRecords(ctx context.Context) ([]domain.LiteratureRecord, error) {
	if s.armed.Load() {
		switch s.arrived.Add(1) {
		case 1:
			select {
			case <-s.both:
			case <-time.After(2 * time.Second):
			}
		case 2:
			close(s.both)
		}
	}
	return s.MemoryStore.ListRecords(ctx)
}

func TestConcurrentGroupsMergeIntoSameRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &barrierStore{MemoryStore: storage.NewMemoryStore(), both: make(chan struct{})}
	seed := domain.LiteratureRecord{
		ID:          "r1",
		ExternalIDs: map[string]string{"pubmed": "9"},
		DOI:         "10.1/x",
		Title:       "Alpha beta gamma delta epsilon study",
		Authors:     []string{"Jane Smith"},
		Sources:     []string{"pubmed"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	if err := store.CommitCycle(ctx, ports.CycleCommit{Records: []domain.LiteratureRecord{seed}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	byTitle := domain.RawRecord{Source: "arxiv", SourceID: "a-1", Title: "Alpha beta gamma delta epsilon study", Authors: []string{"J. Smith"}}
	byDOI := domain.RawRecord{Source: "biorxiv", SourceID: "b-2", DOI: "10.1/x", Title: "The alpha beta gamma delta epsilon study"}
	reg := scanner.NewRegistry()
	reg.Register(termAdapter{name: "arxiv", byTerm: map[string][]domain.RawRecord{"alpha": {byTitle}}})
	reg.Register(termAdapter{name: "biorxiv", byTerm: map[string][]domain.RawRecord{"epsilon": {byDOI}}})
	clk := clock.NewFake(t0)
	orch, err := NewOrchestrator(OrchestratorDeps{Store: store, Registry: reg, Cache: cache.NewManager(nil, clk, 0, nil), Clock: clk})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	ga, err := orch.CreateKeywordGroup(ctx, "a", []domain.Term{{Text: "alpha"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gb, err := orch.CreateKeywordGroup(ctx, "b", []domain.Term{{Text: "epsilon"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.armed.Store(true)

	jobA, err := orch.TriggerUpdate(ctx, ga.ID)
	if err != nil {
		t.Fatalf("trigger a: %v", err)
	}
	jobB, err := orch.TriggerUpdate(ctx, gb.ID)
	if err != nil {
		t.Fatalf("trigger b: %v", err)
	}
	for _, id := range []string{jobA, jobB} {
		if job, err := orch.AwaitJob(ctx, id); err != nil || job.State != domain.JobSucceeded {
			t.Fatalf("unexpected job %+v %v", job, err)
		}
	}

	records, _ := store.MemoryStore.ListRecords(ctx)
	if len(records) != 1 {
		t.Fatalf("expected a single corpus record, got %+v", records)
	}
	rec := records[0]
	if rec.ID != "r1" || !slices.Equal(rec.Sources, []string{"arxiv", "biorxiv", "pubmed"}) {
		t.Fatalf("merge lost a source: %+v", rec)
	}
	if rec.ExternalIDs["arxiv"] != "a-1" || rec.ExternalIDs["biorxiv"] != "b-2" || rec.ExternalIDs["pubmed"] != "9" {
		t.Fatalf("merge lost an external id: %v", rec.ExternalIDs)
	}
}

func TestUpdateTermsRescoresGroup(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(
		raw("pubmed", "1", "PROTAC degraders"),
		raw("pubmed", "2", "Molecular glue screening"),
	)}
	f := newFixture(t, Config{}, pubmed)
	g := f.group(t, "PROTAC")
	ctx := context.Background()

	if _, err := f.orch.RunUpdate(ctx, g.ID); err != nil {
		t.Fatalf("run update: %v", err)
	}
	if _, err := f.orch.UpdateKeywordGroupTerms(ctx, g.ID, []domain.Term{{Text: "molecular glue", Weight: 2}}); err != nil {
		t.Fatalf("update terms: %v", err)
	}

	views, err := f.orch.GetScoredRecords(ctx, g.ID, scoring.Filter{}, scoring.SortScore)
	if err != nil || len(views) != 1 {
		t.Fatalf("unexpected views %+v %v", views, err)
	}
	if views[0].Record.Title != "Molecular glue screening" || views[0].Score.Score != 2 {
		t.Fatalf("unexpected rescored view %+v", views[0])
	}
	if stats := f.orch.CacheStats(); stats.Invalidated == 0 {
		t.Fatalf("term update must invalidate cached fetches, stats %+v", stats)
	}

	if _, err := f.orch.UpdateKeywordGroupTerms(ctx, g.ID, nil); !errors.Is(err, domain.ErrInvalidGroup) {
		t.Fatalf("expected invalid group error, got %v", err)
	}
}

func TestUpdateSettingsKeepsCachedFetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC"))})
	g := f.group(t, "PROTAC")
	ctx := context.Background()
	if _, err := f.orch.RunUpdate(ctx, g.ID); err != nil {
		t.Fatalf("run update: %v", err)
	}
	updated, err := f.orch.UpdateKeywordGroupSettings(ctx, g.ID, 0.5, false)
	if err != nil || updated.Active || updated.MinScore != 0.5 {
		t.Fatalf("unexpected settings update %+v %v", updated, err)
	}
	if stats := f.orch.CacheStats(); stats.Invalidated != 0 || stats.Stored != 1 {
		t.Fatalf("settings change must not drop cached fetches, stats %+v", stats)
	}
}

func TestMinScoreHidesWeakMatches(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(
		raw("pubmed", "1", "PROTAC and molecular glue"),
		raw("pubmed", "2", "PROTAC only"),
	)}
	f := newFixture(t, Config{}, pubmed)
	ctx := context.Background()
	g, err := f.orch.CreateKeywordGroup(ctx, "strict", []domain.Term{{Text: "PROTAC"}, {Text: "molecular glue"}}, WithMinScore(2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orch.RunUpdate(ctx, g.ID); err != nil {
		t.Fatalf("run update: %v", err)
	}
	views, _ := f.orch.GetScoredRecords(ctx, g.ID, scoring.Filter{}, scoring.SortScore)
	if len(views) != 1 || views[0].Score.Score != 2 {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestDeleteGroupRemovesScoresButKeepsRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC"))})
	g := f.group(t, "PROTAC")
	ctx := context.Background()
	if _, err := f.orch.RunUpdate(ctx, g.ID); err != nil {
		t.Fatalf("run update: %v", err)
	}
	if err := f.orch.DeleteKeywordGroup(ctx, g.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.orch.GetScoredRecords(ctx, g.ID, scoring.Filter{}, scoring.SortScore); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if records, _ := f.store.ListRecords(ctx); len(records) != 1 {
		t.Fatalf("records must survive group deletion")
	}
	if _, err := f.orch.TriggerUpdate(ctx, g.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on trigger, got %v", err)
	}
}

func TestTriggerActiveSkipsInactiveGroups(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC"))}
	f := newFixture(t, Config{}, pubmed)
	ctx := context.Background()
	active := f.group(t, "PROTAC")
	if _, err := f.orch.CreateKeywordGroup(ctx, "paused", []domain.Term{{Text: "glue"}}, WithActive(false)); err != nil {
		t.Fatalf("create: %v", err)
	}

	jobs := f.orch.TriggerActive(ctx, t0)
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %v", jobs)
	}
	job, err := f.orch.AwaitJob(ctx, jobs[0])
	if err != nil || job.GroupID != active.ID {
		t.Fatalf("unexpected job %+v %v", job, err)
	}
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	titles []string
	fail   string
	// block holds every call until closed when set.
	block chan struct{}
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, title, _ string) (domain.Analysis, error) {
	a.mu.Lock()
	a.titles = append(a.titles, title)
	a.mu.Unlock()
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return domain.Analysis{}, ctx.Err()
		}
	}
	if title == a.fail {
		return domain.Analysis{}, fmt.Errorf("analysis service unavailable")
	}
	return domain.Analysis{Findings: "findings for " + title}, nil
}

func (a *fakeAnalyzer) Titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.titles)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnalysisRunsForTopRecords(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(
		raw("pubmed", "1", "PROTAC and molecular glue"),
		raw("pubmed", "2", "PROTAC alone"),
		raw("pubmed", "3", "Molecular glue alone"),
	)}
	analyzer := &fakeAnalyzer{fail: "PROTAC alone"}
	f := newFixtureWithAnalyzer(t, Config{AnalysisMaxPerCycle: 2}, analyzer, pubmed)
	ctx := context.Background()
	g, err := f.orch.CreateKeywordGroup(ctx, "g", []domain.Term{{Text: "PROTAC", Weight: 2}, {Text: "molecular glue"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orch.RunUpdate(ctx, g.ID); err != nil {
		t.Fatalf("run update: %v", err)
	}

	waitFor(t, func() bool { return len(analyzer.Titles()) == 2 })
	if titles := analyzer.Titles(); !slices.Equal(titles, []string{"PROTAC and molecular glue", "PROTAC alone"}) {
		t.Fatalf("unexpected analysis order %v", titles)
	}
	views, _ := f.orch.GetScoredRecords(ctx, g.ID, scoring.Filter{AnalyzedOnly: true}, scoring.SortScore)
	if len(views) != 1 || views[0].Record.Analysis.Findings != "findings for PROTAC and molecular glue" {
		t.Fatalf("unexpected analyzed views %+v", views)
	}
	if !views[0].Record.Analysis.AnalyzedAt.Equal(t0) {
		t.Fatalf("analysis must be stamped with the clock, got %v", views[0].Record.Analysis.AnalyzedAt)
	}
}

func TestAnalysisDoesNotHoldBackNextCycle(t *testing.T) {
	t.Parallel()

	pubmed := &fakeAdapter{name: "pubmed", fetch: returning(raw("pubmed", "1", "PROTAC degraders"))}
	analyzer := &fakeAnalyzer{block: make(chan struct{})}
	f := newFixtureWithAnalyzer(t, Config{AnalysisMaxPerCycle: 1}, analyzer, pubmed)
	t.Cleanup(func() { close(analyzer.block) })
	g := f.group(t, "PROTAC")
	ctx := context.Background()

	first, err := f.orch.RunUpdate(ctx, g.ID)
	if err != nil || first.State != domain.JobSucceeded {
		t.Fatalf("unexpected first job %+v %v", first, err)
	}
	waitFor(t, func() bool { return len(analyzer.Titles()) == 1 })

	f.clock.Advance(48 * time.Hour)
	secondID, err := f.orch.TriggerUpdate(ctx, g.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if secondID == first.ID {
		t.Fatalf("a finished job must not absorb new triggers")
	}
	second, err := f.orch.AwaitJob(ctx, secondID)
	if err != nil || second.State != domain.JobSucceeded {
		t.Fatalf("unexpected second job %+v %v", second, err)
	}
	if pubmed.Calls() != 2 {
		t.Fatalf("expected a second fetch, got %d calls", pubmed.Calls())
	}
}

func TestNewOrchestratorRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := NewOrchestrator(OrchestratorDeps{
		Store:    storage.NewMemoryStore(),
		Registry: scanner.NewRegistry(),
		Config:   Config{Sources: []string{"scopus"}},
	})
	if err == nil {
		t.Fatalf("expected error for unregistered source")
	}
}
