package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/ports"
)

// MemoryStore keeps all state in process. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.LiteratureRecord
	groups  map[string]domain.KeywordGroup
	scores  map[string]map[string]domain.ScoredRecord
	jobs    map[string]domain.FetchJob
	cursors map[string]map[string]time.Time
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]domain.LiteratureRecord{},
		groups:  map[string]domain.KeywordGroup{},
		scores:  map[string]map[string]domain.ScoredRecord{},
		jobs:    map[string]domain.FetchJob{},
		cursors: map[string]map[string]time.Time{},
	}
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (domain.LiteratureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.LiteratureRecord{}, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetRecords(_ context.Context, ids []string) ([]domain.LiteratureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LiteratureRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecords(_ context.Context) ([]domain.LiteratureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LiteratureRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b domain.LiteratureRecord) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) SetAnalysis(_ context.Context, recordID string, analysis domain.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("record %s: %w", recordID, domain.ErrNotFound)
	}
	rec.Analysis = &analysis
	s.records[recordID] = rec
	return nil
}

func (s *MemoryStore) SaveGroup(_ context.Context, group domain.KeywordGroup) error {
	s.mu.Lock()
	s.groups[group.ID] = group.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (domain.KeywordGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return domain.KeywordGroup{}, fmt.Errorf("group %s: %w", id, domain.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) ListGroups(_ context.Context) ([]domain.KeywordGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.KeywordGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	slices.SortFunc(out, func(a, b domain.KeywordGroup) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return fmt.Errorf("group %s: %w", id, domain.ErrNotFound)
	}
	delete(s.groups, id)
	delete(s.scores, id)
	delete(s.cursors, id)
	return nil
}

func (s *MemoryStore) ListScores(_ context.Context, groupID string) ([]domain.ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScoredRecord, 0, len(s.scores[groupID]))
	for _, sc := range s.scores[groupID] {
		sc.MatchedTerms = slices.Clone(sc.MatchedTerms)
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b domain.ScoredRecord) int { return cmp.Compare(a.RecordID, b.RecordID) })
	return out, nil
}

func (s *MemoryStore) ReplaceScores(_ context.Context, groupID string, scores []domain.ScoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]domain.ScoredRecord, len(scores))
	for _, sc := range scores {
		sc.GroupID = groupID
		sc.MatchedTerms = slices.Clone(sc.MatchedTerms)
		fresh[sc.RecordID] = sc
	}
	s.scores[groupID] = fresh
	return nil
}

func (s *MemoryStore) GroupsReferencing(_ context.Context, recordIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for groupID, byRecord := range s.scores {
		for _, id := range recordIDs {
			if _, ok := byRecord[id]; ok {
				out = append(out, groupID)
				break
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job domain.FetchJob) error {
	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (domain.FetchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.FetchJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, groupID string) ([]domain.FetchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FetchJob
	for _, job := range s.jobs {
		if groupID == "" || job.GroupID == groupID {
			out = append(out, job.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.FetchJob) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) GetCursors(_ context.Context, groupID string) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.cursors[groupID]))
	for source, at := range s.cursors[groupID] {
		out[source] = at
	}
	return out, nil
}

func (s *MemoryStore) CommitCycle(_ context.Context, commit ports.CycleCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range commit.Records {
		stored := rec.Clone()
		if prev, ok := s.records[rec.ID]; ok && stored.Analysis == nil {
			stored.Analysis = prev.Analysis
		}
		s.records[rec.ID] = stored
	}
	for _, sc := range commit.Scores {
		byRecord, ok := s.scores[sc.GroupID]
		if !ok {
			byRecord = map[string]domain.ScoredRecord{}
			s.scores[sc.GroupID] = byRecord
		}
		sc.MatchedTerms = slices.Clone(sc.MatchedTerms)
		byRecord[sc.RecordID] = sc
	}
	if len(commit.CursorSources) > 0 {
		cursors, ok := s.cursors[commit.GroupID]
		if !ok {
			cursors = map[string]time.Time{}
			s.cursors[commit.GroupID] = cursors
		}
		for _, source := range commit.CursorSources {
			cursors[source] = commit.CursorAt
		}
	}
	return nil
}

// Snapshot serializes records, groups, scores and cursors deterministically. Job history
// is excluded.
func (s *MemoryStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(struct {
		Records map[string]domain.LiteratureRecord        `json:"records"`
		Groups  map[string]domain.KeywordGroup            `json:"groups"`
		Scores  map[string]map[string]domain.ScoredRecord `json:"scores"`
		Cursors map[string]map[string]time.Time           `json:"cursors"`
	}{s.records, s.groups, s.scores, s.cursors})
}

func (s *MemoryStore) Close() error { return nil }
