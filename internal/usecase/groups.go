package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scoring"
)

// GroupOption adjusts a keyword group at creation.
type GroupOption func(*domain.KeywordGroup)

// WithMinScore sets the score a record needs to be listed for the group.
func WithMinScore(min float64) GroupOption {
	return func(g *domain.KeywordGroup) { g.MinScore = min }
}

// WithActive controls whether the scheduler updates the group. Groups start active.
func WithActive(active bool) GroupOption {
	return func(g *domain.KeywordGroup) { g.Active = active }
}

// CreateKeywordGroup validates and stores a new group. It does not start a cycle.
func (o *Orchestrator) CreateKeywordGroup(ctx context.Context, name string, terms []domain.Term, opts ...GroupOption) (domain.KeywordGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.KeywordGroup{}, fmt.Errorf("%w: name is required", domain.ErrInvalidGroup)
	}
	normalized, err := domain.NormalizeTerms(terms)
	if err != nil {
		return domain.KeywordGroup{}, err
	}

	now := o.clock.Now()
	group := domain.KeywordGroup{
		ID:        o.newID(),
		Name:      name,
		Terms:     normalized,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&group)
	}
	if group.MinScore < 0 {
		return domain.KeywordGroup{}, fmt.Errorf("%w: negative min score", domain.ErrInvalidGroup)
	}
	if err := o.store.SaveGroup(ctx, group); err != nil {
		return domain.KeywordGroup{}, fmt.Errorf("save group: %w", err)
	}
	o.debug("keyword group created", "group", group.ID, "terms", len(group.Terms))
	return group, nil
}

// UpdateKeywordGroupTerms replaces the terms, drops the group's cached fetches and
// re-scores the corpus against the new terms.
func (o *Orchestrator) UpdateKeywordGroupTerms(ctx context.Context, id string, terms []domain.Term) (domain.KeywordGroup, error) {
	normalized, err := domain.NormalizeTerms(terms)
	if err != nil {
		return domain.KeywordGroup{}, err
	}
	return o.updateGroup(ctx, id, true, func(g *domain.KeywordGroup) error {
		g.Terms = normalized
		return nil
	})
}

// UpdateKeywordGroupSettings changes the listing threshold and the scheduling flag.
func (o *Orchestrator) UpdateKeywordGroupSettings(ctx context.Context, id string, minScore float64, active bool) (domain.KeywordGroup, error) {
	if minScore < 0 {
		return domain.KeywordGroup{}, fmt.Errorf("%w: negative min score", domain.ErrInvalidGroup)
	}
	return o.updateGroup(ctx, id, false, func(g *domain.KeywordGroup) error {
		g.MinScore = minScore
		g.Active = active
		return nil
	})
}

// updateGroup applies mutate under the group lock and re-scores the corpus. Cached fetches
// are dropped only when the change alters the group's query.
func (o *Orchestrator) updateGroup(ctx context.Context, id string, invalidate bool, mutate func(*domain.KeywordGroup) error) (domain.KeywordGroup, error) {
	unlock := o.locks.Lock(groupLockKey(id))
	group, err := o.store.GetGroup(ctx, id)
	if err != nil {
		unlock()
		return domain.KeywordGroup{}, fmt.Errorf("load group: %w", err)
	}
	if err := mutate(&group); err != nil {
		unlock()
		return domain.KeywordGroup{}, err
	}
	group.UpdatedAt = o.clock.Now()
	err = o.store.SaveGroup(ctx, group)
	unlock()
	if err != nil {
		return domain.KeywordGroup{}, fmt.Errorf("save group: %w", err)
	}

	if invalidate {
		if err := o.cache.InvalidateGroup(ctx, id); err != nil {
			o.debug("cache invalidation failed", "group", id, "error", err)
		}
	}
	scored, err := o.rescoreGroup(ctx, id, true)
	if err != nil {
		return group, fmt.Errorf("rescore group: %w", err)
	}
	o.debug("keyword group updated", "group", id, "scored", scored)
	return group, nil
}

// DeleteKeywordGroup cancels a running cycle of the group, then removes the group with
// its scores, cursors and cache entries. Records stay in the corpus.
func (o *Orchestrator) DeleteKeywordGroup(ctx context.Context, id string) error {
	o.mu.Lock()
	run, running := o.byGroup[id]
	o.mu.Unlock()
	if running {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	unlock := o.locks.Lock(groupLockKey(id))
	err := o.store.DeleteGroup(ctx, id)
	unlock()
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if err := o.cache.InvalidateGroup(ctx, id); err != nil {
		o.debug("cache invalidation failed", "group", id, "error", err)
	}
	return nil
}

// GetKeywordGroup returns one group.
func (o *Orchestrator) GetKeywordGroup(ctx context.Context, id string) (domain.KeywordGroup, error) {
	return o.store.GetGroup(ctx, id)
}

// ListKeywordGroups returns every group, oldest first.
func (o *Orchestrator) ListKeywordGroups(ctx context.Context) ([]domain.KeywordGroup, error) {
	return o.store.ListGroups(ctx)
}

// EnsureKeywordGroups creates the named groups that do not exist yet. It backs the
// default groups of the configuration.
func (o *Orchestrator) EnsureKeywordGroups(ctx context.Context, defaults []domain.KeywordGroup) error {
	existing, err := o.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	names := make(map[string]struct{}, len(existing))
	for _, g := range existing {
		names[strings.ToLower(g.Name)] = struct{}{}
	}
	for _, g := range defaults {
		if _, ok := names[strings.ToLower(strings.TrimSpace(g.Name))]; ok {
			continue
		}
		if _, err := o.CreateKeywordGroup(ctx, g.Name, g.Terms, WithMinScore(g.MinScore), WithActive(g.Active)); err != nil {
			return fmt.Errorf("seed group %q: %w", g.Name, err)
		}
	}
	return nil
}

// GetScoredRecords lists the group's scored records after filtering and ordering.
func (o *Orchestrator) GetScoredRecords(ctx context.Context, groupID string, filter scoring.Filter, order scoring.SortOrder) ([]domain.ScoredView, error) {
	group, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	scores, err := o.store.ListScores(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	ids := make([]string, 0, len(scores))
	for _, sc := range scores {
		ids = append(ids, sc.RecordID)
	}
	records, err := o.store.GetRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	byID := make(map[string]domain.LiteratureRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	views := make([]domain.ScoredView, 0, len(scores))
	for _, sc := range scores {
		rec, ok := byID[sc.RecordID]
		if !ok || sc.Score < group.MinScore {
			continue
		}
		views = append(views, domain.ScoredView{Record: rec, Score: sc})
	}
	return scoring.Rank(views, filter, order), nil
}

// GetRecord returns one corpus record.
func (o *Orchestrator) GetRecord(ctx context.Context, id string) (domain.LiteratureRecord, error) {
	rec, err := o.store.GetRecord(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.LiteratureRecord{}, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, err
}
