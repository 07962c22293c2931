package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/ports"
)

var ts = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

func stores(t *testing.T) map[string]ports.Store {
	t.Helper()
	sqlite, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "literature.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]ports.Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleRecord(id string) domain.LiteratureRecord {
	factor := 50.5
	return domain.LiteratureRecord{
		ID:               id,
		ExternalIDs:      map[string]string{"pubmed": "39000001"},
		DOI:              "10.1038/x",
		Title:            "Targeted protein degradation",
		Abstract:         "PROTACs and molecular glues.",
		Authors:          []string{"Jane Smith"},
		Journal:          "Nature",
		PublishedAt:      ts.Add(-48 * time.Hour),
		URL:              "https://pubmed.ncbi.nlm.nih.gov/39000001/",
		Sources:          []string{"biorxiv", "pubmed"},
		ImpactFactor:     &factor,
		ImpactFactorYear: 2023,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
}

func TestStoreCommitCycle(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := sampleRecord("r1")
			err := store.CommitCycle(ctx, ports.CycleCommit{
				GroupID:       "g1",
				Records:       []domain.LiteratureRecord{rec},
				Scores:        []domain.ScoredRecord{{RecordID: "r1", GroupID: "g1", Score: 2, MatchedTerms: []string{"PROTAC"}, ScoredAt: ts}},
				CursorSources: []string{"pubmed"},
				CursorAt:      ts,
			})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}

			got, err := store.GetRecord(ctx, "r1")
			if err != nil {
				t.Fatalf("get record: %v", err)
			}
			if got.Title != rec.Title || !slices.Equal(got.Sources, rec.Sources) || got.ExternalIDs["pubmed"] != "39000001" {
				t.Fatalf("unexpected record %+v", got)
			}
			if got.ImpactFactor == nil || *got.ImpactFactor != 50.5 || !got.PublishedAt.Equal(rec.PublishedAt) {
				t.Fatalf("unexpected enrichment or date %+v", got)
			}

			scores, err := store.ListScores(ctx, "g1")
			if err != nil || len(scores) != 1 || scores[0].Score != 2 || !slices.Equal(scores[0].MatchedTerms, []string{"PROTAC"}) {
				t.Fatalf("unexpected scores %+v %v", scores, err)
			}

			cursors, err := store.GetCursors(ctx, "g1")
			if err != nil || !cursors["pubmed"].Equal(ts) || len(cursors) != 1 {
				t.Fatalf("unexpected cursors %v %v", cursors, err)
			}

			groups, err := store.GroupsReferencing(ctx, []string{"r1", "missing"})
			if err != nil || !slices.Equal(groups, []string{"g1"}) {
				t.Fatalf("unexpected referencing groups %v %v", groups, err)
			}
		})
	}
}

func TestStoreGroupsLifecycle(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			group := domain.KeywordGroup{
				ID:        "g1",
				Name:      "degraders",
				Terms:     []domain.Term{{Text: "PROTAC", Weight: 1, Mode: domain.MatchExact}},
				MinScore:  0.5,
				Active:    true,
				CreatedAt: ts,
				UpdatedAt: ts,
			}
			if err := store.SaveGroup(ctx, group); err != nil {
				t.Fatalf("save: %v", err)
			}
			group.Terms = append(group.Terms, domain.Term{Text: "glue", Weight: 2, Mode: domain.MatchFuzzy})
			if err := store.SaveGroup(ctx, group); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := store.GetGroup(ctx, "g1")
			if err != nil || len(got.Terms) != 2 || !got.Active || got.MinScore != 0.5 {
				t.Fatalf("unexpected group %+v %v", got, err)
			}

			if err := store.CommitCycle(ctx, ports.CycleCommit{
				GroupID:       "g1",
				Records:       []domain.LiteratureRecord{sampleRecord("r1")},
				Scores:        []domain.ScoredRecord{{RecordID: "r1", GroupID: "g1", Score: 1, ScoredAt: ts}},
				CursorSources: []string{"arxiv"},
				CursorAt:      ts,
			}); err != nil {
				t.Fatalf("commit: %v", err)
			}

			if err := store.DeleteGroup(ctx, "g1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.GetGroup(ctx, "g1"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if scores, _ := store.ListScores(ctx, "g1"); len(scores) != 0 {
				t.Fatalf("scores must be removed with the group")
			}
			if cursors, _ := store.GetCursors(ctx, "g1"); len(cursors) != 0 {
				t.Fatalf("cursors must be removed with the group")
			}
			if _, err := store.GetRecord(ctx, "r1"); err != nil {
				t.Fatalf("corpus must survive group deletion: %v", err)
			}
			if err := store.DeleteGroup(ctx, "g1"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
		})
	}
}

func TestStoreJobsAndAnalysis(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := domain.NewFetchJob("j1", "g1", []string{"pubmed"}, ts)
			newer := domain.NewFetchJob("j2", "g1", []string{"pubmed"}, ts.Add(time.Minute))
			other := domain.NewFetchJob("j3", "g2", []string{"arxiv"}, ts)
			for _, job := range []domain.FetchJob{older, newer, other} {
				if err := store.SaveJob(ctx, job); err != nil {
					t.Fatalf("save job: %v", err)
				}
			}
			if err := older.Start(ts, nil); err != nil {
				t.Fatalf("start: %v", err)
			}
			if err := store.SaveJob(ctx, older); err != nil {
				t.Fatalf("update job: %v", err)
			}

			got, err := store.GetJob(ctx, "j1")
			if err != nil || got.State != domain.JobRunning {
				t.Fatalf("unexpected job %+v %v", got, err)
			}
			jobs, err := store.ListJobs(ctx, "g1")
			if err != nil || len(jobs) != 2 || jobs[0].ID != "j2" {
				t.Fatalf("expected newest first for g1, got %+v %v", jobs, err)
			}
			if all, _ := store.ListJobs(ctx, ""); len(all) != 3 {
				t.Fatalf("expected all jobs, got %d", len(all))
			}

			if err := store.SetAnalysis(ctx, "missing", domain.Analysis{}); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if err := store.CommitCycle(ctx, ports.CycleCommit{Records: []domain.LiteratureRecord{sampleRecord("r1")}}); err != nil {
				t.Fatalf("commit: %v", err)
			}
			analysis := domain.Analysis{Findings: "Degrades BRD4", AnalyzedAt: ts}
			if err := store.SetAnalysis(ctx, "r1", analysis); err != nil {
				t.Fatalf("set analysis: %v", err)
			}
			// Re-committing the record without analysis keeps the stored one.
			if err := store.CommitCycle(ctx, ports.CycleCommit{Records: []domain.LiteratureRecord{sampleRecord("r1")}}); err != nil {
				t.Fatalf("recommit: %v", err)
			}
			rec, err := store.GetRecord(ctx, "r1")
			if err != nil || rec.Analysis == nil || rec.Analysis.Findings != "Degrades BRD4" {
				t.Fatalf("unexpected analysis %+v %v", rec.Analysis, err)
			}
		})
	}
}

func TestMemorySnapshotIsDeterministic(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CommitCycle(ctx, ports.CycleCommit{
		GroupID: "g1",
		Records: []domain.LiteratureRecord{sampleRecord("r2"), sampleRecord("r1")},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	a, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	b, _ := store.Snapshot()
	if string(a) != string(b) {
		t.Fatalf("snapshot is not deterministic")
	}
	if err := store.SaveJob(ctx, domain.NewFetchJob("j", "g1", nil, ts)); err != nil {
		t.Fatalf("save job: %v", err)
	}
	c, _ := store.Snapshot()
	if string(a) != string(c) {
		t.Fatalf("job history must not affect the snapshot")
	}
}

func TestNewSQLStorePlaceholders(t *testing.T) {
	t.Parallel()

	for driver, want := range map[string]string{
		DriverSQLite:   "SELECT id FROM records WHERE id = ?",
		DriverPostgres: "SELECT id FROM records WHERE id = $1",
	} {
		query, args, err := NewSQLStore(nil, driver).builder.
			Select("id").From("records").Where(sq.Eq{"id": "r1"}).ToSql()
		if err != nil {
			t.Fatalf("%s: build query: %v", driver, err)
		}
		if query != want || len(args) != 1 {
			t.Fatalf("%s: got %q %v, want %q", driver, query, args, want)
		}
	}
}
