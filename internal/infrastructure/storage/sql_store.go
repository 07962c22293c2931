package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var recordColumns = []string{
	"id", "doi", "title", "abstract", "authors", "journal", "published_at", "url",
	"sources", "external_ids", "impact_factor", "impact_factor_year", "analysis",
	"created_at", "updated_at",
}

// SQLStore persists state in SQLite or Postgres. Queries are built with squirrel so the
// same code serves both placeholder styles.
type SQLStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.Store = (*SQLStore)(nil)

// OpenSQL opens dsn with driver, verifies the connection and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	store := NewSQLStore(db, driver)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database without touching the schema.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		placeholder = sq.Dollar
	}
	return &SQLStore{db: db, builder: sq.StatementBuilder.PlaceholderFormat(placeholder)}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) GetRecord(ctx context.Context, id string) (domain.LiteratureRecord, error) {
	records, err := s.queryRecords(ctx, s.builder.Select(recordColumns...).From("literature_records").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.LiteratureRecord{}, err
	}
	if len(records) == 0 {
		return domain.LiteratureRecord{}, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return records[0], nil
}

func (s *SQLStore) GetRecords(ctx context.Context, ids []string) ([]domain.LiteratureRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, s.builder.Select(recordColumns...).From("literature_records").Where(sq.Eq{"id": ids}).OrderBy("id"))
}

func (s *SQLStore) ListRecords(ctx context.Context) ([]domain.LiteratureRecord, error) {
	return s.queryRecords(ctx, s.builder.Select(recordColumns...).From("literature_records").OrderBy("id"))
}

func (s *SQLStore) SetAnalysis(ctx context.Context, recordID string, analysis domain.Analysis) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	res, err := s.exec(ctx, s.db, s.builder.Update("literature_records").
		Set("analysis", string(payload)).
		Where(sq.Eq{"id": recordID}))
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return expectRow(res, "record", recordID)
}

func (s *SQLStore) SaveGroup(ctx context.Context, group domain.KeywordGroup) error {
	terms, err := json.Marshal(group.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}
	_, err = s.exec(ctx, s.db, s.builder.Insert("keyword_groups").
		Columns("id", "name", "terms", "min_score", "active", "created_at", "updated_at").
		Values(group.ID, group.Name, string(terms), group.MinScore, group.Active, formatTime(group.CreatedAt), formatTime(group.UpdatedAt)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET name = excluded.name, terms = excluded.terms,
			min_score = excluded.min_score, active = excluded.active, updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (domain.KeywordGroup, error) {
	groups, err := s.queryGroups(ctx, s.groupSelect().Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.KeywordGroup{}, err
	}
	if len(groups) == 0 {
		return domain.KeywordGroup{}, fmt.Errorf("group %s: %w", id, domain.ErrNotFound)
	}
	return groups[0], nil
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]domain.KeywordGroup, error) {
	return s.queryGroups(ctx, s.groupSelect().OrderBy("created_at", "id"))
}

func (s *SQLStore) DeleteGroup(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, s.builder.Delete("keyword_groups").Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if err := expectRow(res, "group", id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.builder.Delete("scored_records").Where(sq.Eq{"group_id": id})); err != nil {
			return fmt.Errorf("delete scores: %w", err)
		}
		if _, err := s.exec(ctx, tx, s.builder.Delete("source_cursors").Where(sq.Eq{"group_id": id})); err != nil {
			return fmt.Errorf("delete cursors: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ListScores(ctx context.Context, groupID string) ([]domain.ScoredRecord, error) {
	query, args, err := s.builder.Select("group_id", "record_id", "score", "matched_terms", "scored_at").
		From("scored_records").
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("record_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scores query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoredRecord
	for rows.Next() {
		var (
			sc       domain.ScoredRecord
			terms    string
			scoredAt string
		)
		if err := rows.Scan(&sc.GroupID, &sc.RecordID, &sc.Score, &terms, &scoredAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if err := json.Unmarshal([]byte(terms), &sc.MatchedTerms); err != nil {
			return nil, fmt.Errorf("decode matched terms: %w", err)
		}
		if sc.ScoredAt, err = parseTime(scoredAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ReplaceScores(ctx context.Context, groupID string, scores []domain.ScoredRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, s.builder.Delete("scored_records").Where(sq.Eq{"group_id": groupID})); err != nil {
			return fmt.Errorf("clear scores: %w", err)
		}
		for _, sc := range scores {
			sc.GroupID = groupID
			if err := s.upsertScore(ctx, tx, sc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GroupsReferencing(ctx context.Context, recordIDs []string) ([]string, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	query, args, err := s.builder.Select("DISTINCT group_id").
		From("scored_records").
		Where(sq.Eq{"record_id": recordIDs}).
		OrderBy("group_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build referencing query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query referencing groups: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveJob(ctx context.Context, job domain.FetchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.exec(ctx, s.db, s.builder.Insert("fetch_jobs").
		Columns("id", "group_id", "state", "created_at", "payload").
		Values(job.ID, job.GroupID, string(job.State), formatTime(job.CreatedAt), string(payload)).
		Suffix("ON CONFLICT (id) DO UPDATE SET state = excluded.state, payload = excluded.payload"))
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (domain.FetchJob, error) {
	jobs, err := s.queryJobs(ctx, s.builder.Select("payload").From("fetch_jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.FetchJob{}, err
	}
	if len(jobs) == 0 {
		return domain.FetchJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return jobs[0], nil
}

func (s *SQLStore) ListJobs(ctx context.Context, groupID string) ([]domain.FetchJob, error) {
	query := s.builder.Select("payload").From("fetch_jobs").OrderBy("created_at DESC", "id")
	if groupID != "" {
		query = query.Where(sq.Eq{"group_id": groupID})
	}
	return s.queryJobs(ctx, query)
}

func (s *SQLStore) GetCursors(ctx context.Context, groupID string) (map[string]time.Time, error) {
	query, args, err := s.builder.Select("source", "since").From("source_cursors").Where(sq.Eq{"group_id": groupID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cursor query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var source, since string
		if err := rows.Scan(&source, &since); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		at, err := parseTime(since)
		if err != nil {
			return nil, err
		}
		out[source] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CommitCycle(ctx context.Context, commit ports.CycleCommit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range commit.Records {
			if err := s.upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		for _, sc := range commit.Scores {
			if err := s.upsertScore(ctx, tx, sc); err != nil {
				return err
			}
		}
		for _, source := range commit.CursorSources {
			_, err := s.exec(ctx, tx, s.builder.Insert("source_cursors").
				Columns("group_id", "source", "since").
				Values(commit.GroupID, source, formatTime(commit.CursorAt)).
				Suffix("ON CONFLICT (group_id, source) DO UPDATE SET since = excluded.since"))
			if err != nil {
				return fmt.Errorf("advance cursor %s: %w", source, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) upsertRecord(ctx context.Context, tx *sql.Tx, rec domain.LiteratureRecord) error {
	authors, err := json.Marshal(nonNil(rec.Authors))
	if err != nil {
		return fmt.Errorf("encode authors: %w", err)
	}
	sources, err := json.Marshal(nonNil(rec.Sources))
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	externalIDs := rec.ExternalIDs
	if externalIDs == nil {
		externalIDs = map[string]string{}
	}
	external, err := json.Marshal(externalIDs)
	if err != nil {
		return fmt.Errorf("encode external ids: %w", err)
	}
	var analysis sql.NullString
	if rec.Analysis != nil {
		payload, err := json.Marshal(rec.Analysis)
		if err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
		analysis = sql.NullString{String: string(payload), Valid: true}
	}
	var factor sql.NullFloat64
	if rec.ImpactFactor != nil {
		factor = sql.NullFloat64{Float64: *rec.ImpactFactor, Valid: true}
	}

	_, err = s.exec(ctx, tx, s.builder.Insert("literature_records").
		Columns(recordColumns...).
		Values(rec.ID, rec.DOI, rec.Title, rec.Abstract, string(authors), rec.Journal, formatTime(rec.PublishedAt), rec.URL,
			string(sources), string(external), factor, rec.ImpactFactorYear, analysis,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET doi = excluded.doi, title = excluded.title,
			abstract = excluded.abstract, authors = excluded.authors, journal = excluded.journal,
			published_at = excluded.published_at, url = excluded.url, sources = excluded.sources,
			external_ids = excluded.external_ids, impact_factor = excluded.impact_factor,
			impact_factor_year = excluded.impact_factor_year,
			analysis = COALESCE(excluded.analysis, literature_records.analysis),
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) upsertScore(ctx context.Context, tx *sql.Tx, sc domain.ScoredRecord) error {
	terms, err := json.Marshal(nonNil(sc.MatchedTerms))
	if err != nil {
		return fmt.Errorf("encode matched terms: %w", err)
	}
	_, err = s.exec(ctx, tx, s.builder.Insert("scored_records").
		Columns("group_id", "record_id", "score", "matched_terms", "scored_at").
		Values(sc.GroupID, sc.RecordID, sc.Score, string(terms), formatTime(sc.ScoredAt)).
		Suffix(`ON CONFLICT (group_id, record_id) DO UPDATE SET score = excluded.score,
			matched_terms = excluded.matched_terms, scored_at = excluded.scored_at`))
	if err != nil {
		return fmt.Errorf("upsert score %s/%s: %w", sc.GroupID, sc.RecordID, err)
	}
	return nil
}

func (s *SQLStore) groupSelect() sq.SelectBuilder {
	return s.builder.Select("id", "name", "terms", "min_score", "active", "created_at", "updated_at").From("keyword_groups")
}

func (s *SQLStore) queryGroups(ctx context.Context, b sq.SelectBuilder) ([]domain.KeywordGroup, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build group query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []domain.KeywordGroup
	for rows.Next() {
		var (
			g                    domain.KeywordGroup
			terms                string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&g.ID, &g.Name, &terms, &g.MinScore, &g.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if err := json.Unmarshal([]byte(terms), &g.Terms); err != nil {
			return nil, fmt.Errorf("decode terms: %w", err)
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, b sq.SelectBuilder) ([]domain.LiteratureRecord, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build record query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []domain.LiteratureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (domain.LiteratureRecord, error) {
	var (
		rec                               domain.LiteratureRecord
		authors, sources, external        string
		publishedAt, createdAt, updatedAt string
		factor                            sql.NullFloat64
		analysis                          sql.NullString
	)
	err := rows.Scan(&rec.ID, &rec.DOI, &rec.Title, &rec.Abstract, &authors, &rec.Journal, &publishedAt, &rec.URL,
		&sources, &external, &factor, &rec.ImpactFactorYear, &analysis, &createdAt, &updatedAt)
	if err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &rec.Authors); err != nil {
		return rec, fmt.Errorf("decode authors: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return rec, fmt.Errorf("decode sources: %w", err)
	}
	if err := json.Unmarshal([]byte(external), &rec.ExternalIDs); err != nil {
		return rec, fmt.Errorf("decode external ids: %w", err)
	}
	if factor.Valid {
		f := factor.Float64
		rec.ImpactFactor = &f
	}
	if analysis.Valid {
		var a domain.Analysis
		if err := json.Unmarshal([]byte(analysis.String), &a); err != nil {
			return rec, fmt.Errorf("decode analysis: %w", err)
		}
		rec.Analysis = &a
	}
	if rec.PublishedAt, err = parseTime(publishedAt); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, err
	}
	if len(rec.Authors) == 0 {
		rec.Authors = nil
	}
	return rec, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, b sq.SelectBuilder) ([]domain.FetchJob, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.FetchJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job domain.FetchJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, runner execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statement: %w", err)
	}
	return runner.ExecContext(ctx, query, args...)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
