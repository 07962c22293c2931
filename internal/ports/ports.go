package ports

import (
	"context"
	"time"

	"LiteratureScanner/internal/domain"
)

// CorpusStore persists canonical literature records keyed by id.
type CorpusStore interface {
	GetRecord(ctx context.Context, id string) (domain.LiteratureRecord, error)
	// GetRecords returns the records that exist among ids, in no particular order.
	GetRecords(ctx context.Context, ids []string) ([]domain.LiteratureRecord, error)
	ListRecords(ctx context.Context) ([]domain.LiteratureRecord, error)
	SetAnalysis(ctx context.Context, recordID string, analysis domain.Analysis) error
}

// GroupStore persists keyword groups.
type GroupStore interface {
	SaveGroup(ctx context.Context, group domain.KeywordGroup) error
	GetGroup(ctx context.Context, id string) (domain.KeywordGroup, error)
	ListGroups(ctx context.Context) ([]domain.KeywordGroup, error)
	// DeleteGroup removes the group with its scores and cursors. Records stay.
	DeleteGroup(ctx context.Context, id string) error
}

// ScoreStore persists (record, group) scores.
type ScoreStore interface {
	ListScores(ctx context.Context, groupID string) ([]domain.ScoredRecord, error)
	// ReplaceScores drops every score of groupID and stores scores instead.
	ReplaceScores(ctx context.Context, groupID string, scores []domain.ScoredRecord) error
	// GroupsReferencing lists group ids holding a score for any of recordIDs.
	GroupsReferencing(ctx context.Context, recordIDs []string) ([]string, error)
}

// JobStore keeps FetchJob history.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.FetchJob) error
	GetJob(ctx context.Context, id string) (domain.FetchJob, error)
	// ListJobs returns jobs newest first; an empty groupID lists all groups.
	ListJobs(ctx context.Context, groupID string) ([]domain.FetchJob, error)
}

// CursorStore tracks the per (group, source) "since" position.
type CursorStore interface {
	GetCursors(ctx context.Context, groupID string) (map[string]time.Time, error)
}

// CycleCommit is everything an update cycle writes. It is applied atomically.
type CycleCommit struct {
	GroupID string
	Records []domain.LiteratureRecord
	Scores  []domain.ScoredRecord
	// CursorSources advance to CursorAt; other sources keep their cursor.
	CursorSources []string
	CursorAt      time.Time
}

// Store is the full persistence boundary used by the orchestrator.
type Store interface {
	CorpusStore
	GroupStore
	ScoreStore
	JobStore
	CursorStore
	CommitCycle(ctx context.Context, commit CycleCommit) error
	Close() error
}

// Analyzer extracts structured findings from a title and abstract.
type Analyzer interface {
	Analyze(ctx context.Context, title, abstract string) (domain.Analysis, error)
}

// Scheduler controls when periodic updates execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
