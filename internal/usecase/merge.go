package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"LiteratureScanner/internal/dedup"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/ports"
)

// scoredRecord pairs a record with its score for the analysis pass.
type scoredRecord struct {
	record domain.LiteratureRecord
	score  float64
}

type mergeOutcome struct {
	newCount     int
	updatedCount int
	updatedIDs   []string
	scored       []scoredRecord
}

// maxMergeAttempts bounds how often a merge widens its lock set before giving up.
const maxMergeAttempts = 8

func groupLockKey(groupID string) string {
	return "group:" + groupID
}

func recordLockKey(recordID string) string {
	return "record:" + recordID
}

// insertLockKey serializes merges that add records, so a record created by one cycle is
// visible to every other cycle that could have matched it.
const insertLockKey = "corpus:insert"

// mergeAndCommit folds incoming into the corpus, scores and enriches the touched records
// and writes everything in one commit. The batch block keys only cover what incoming can
// be matched by, so the ids of every touched corpus record are locked too, plus the insert
// key when the merge adds records. A pass that needs a key it does not hold is discarded
// and repeated with the wider set.
func (o *Orchestrator) mergeAndCommit(ctx context.Context, groupID string, incoming []domain.RawRecord, okSources []string, cursorAt time.Time, logger *slog.Logger) (mergeOutcome, error) {
	base := []string{groupLockKey(groupID)}
	for _, raw := range incoming {
		base = append(base, dedup.BlockKeys(raw)...)
	}
	held := map[string]bool{}
	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		keys := slices.Clone(base)
		for key := range held {
			keys = append(keys, key)
		}
		unlock := o.locks.Lock(keys...)
		out, missing, err := o.mergeLocked(ctx, groupID, incoming, okSources, cursorAt, held, logger)
		unlock()
		if err != nil || len(missing) == 0 {
			return out, err
		}
		for _, key := range missing {
			held[key] = true
		}
		logDebug(logger, "merge lock set widened", "attempt", attempt, "keys", len(held))
	}
	return mergeOutcome{}, fmt.Errorf("merge: corpus kept changing after %d attempts", maxMergeAttempts)
}

// mergeLocked runs one merge pass under the caller's locks. When the merge needs lock keys
// outside held it commits nothing and returns them.
func (o *Orchestrator) mergeLocked(ctx context.Context, groupID string, incoming []domain.RawRecord, okSources []string, cursorAt time.Time, held map[string]bool, logger *slog.Logger) (mergeOutcome, []string, error) {
	// Terms may have changed while sources were fetched.
	group, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return mergeOutcome{}, nil, fmt.Errorf("reload group: %w", err)
	}

	existing, err := o.store.ListRecords(ctx)
	if err != nil {
		return mergeOutcome{}, nil, fmt.Errorf("load corpus: %w", err)
	}
	pool := make([]*domain.LiteratureRecord, 0, len(existing))
	for i := range existing {
		pool = append(pool, &existing[i])
	}
	result := o.dedup.Merge(pool, incoming)

	var missing []string
	if len(result.New) > 0 && !held[insertLockKey] {
		missing = append(missing, insertLockKey)
	}
	for _, rec := range result.Touched() {
		if key := recordLockKey(rec.ID); !held[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return mergeOutcome{}, missing, nil
	}

	var (
		writes []domain.LiteratureRecord
		scores []domain.ScoredRecord
		out    = mergeOutcome{newCount: len(result.New), updatedCount: len(result.Updated)}
		now    = o.clock.Now()
	)
	for _, rec := range result.Updated {
		out.updatedIDs = append(out.updatedIDs, rec.ID)
	}

	changed := map[string]bool{}
	for _, rec := range result.New {
		changed[rec.ID] = true
	}
	for _, rec := range result.Updated {
		changed[rec.ID] = true
	}

	for _, rec := range result.Touched() {
		enriched := o.enricher.Enrich(*rec)
		if changed[rec.ID] || impactChanged(*rec, enriched) {
			writes = append(writes, enriched)
		}
		score, matched := o.scorer.Score(enriched, group)
		if !passes(score, group) {
			continue
		}
		scores = append(scores, domain.ScoredRecord{
			RecordID:     enriched.ID,
			GroupID:      group.ID,
			Score:        score,
			MatchedTerms: matched,
			ScoredAt:     now,
		})
		out.scored = append(out.scored, scoredRecord{record: enriched, score: score})
	}

	err = o.store.CommitCycle(ctx, ports.CycleCommit{
		GroupID:       group.ID,
		Records:       writes,
		Scores:        scores,
		CursorSources: okSources,
		CursorAt:      cursorAt,
	})
	if err != nil {
		return mergeOutcome{}, nil, fmt.Errorf("commit cycle: %w", err)
	}
	logDebug(logger, "cycle committed", "records", len(writes), "scores", len(scores), "cursors", okSources)
	return out, nil, nil
}

// rescoreReferencing refreshes the scores other groups hold on records this cycle
// backfilled. Failures are logged; the cycle itself is already committed.
func (o *Orchestrator) rescoreReferencing(ctx context.Context, groupID string, updatedIDs []string, logger *slog.Logger) {
	if len(updatedIDs) == 0 {
		return
	}
	groups, err := o.store.GroupsReferencing(ctx, updatedIDs)
	if err != nil {
		logWarn(logger, "find referencing groups", "error", err)
		return
	}
	for _, other := range groups {
		if other == groupID {
			continue
		}
		if _, err := o.rescoreGroup(ctx, other, false); err != nil {
			logWarn(logger, "rescore group", "other_group", other, "error", err)
		}
	}
}

// rescoreGroup recomputes the scores of a group. With wholeCorpus unset only records the
// group already scored are considered.
func (o *Orchestrator) rescoreGroup(ctx context.Context, groupID string, wholeCorpus bool) (int, error) {
	unlock := o.locks.Lock(groupLockKey(groupID))
	defer unlock()

	group, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}

	var records []domain.LiteratureRecord
	if wholeCorpus {
		records, err = o.store.ListRecords(ctx)
	} else {
		var current []domain.ScoredRecord
		current, err = o.store.ListScores(ctx, groupID)
		if err == nil {
			ids := make([]string, 0, len(current))
			for _, sc := range current {
				ids = append(ids, sc.RecordID)
			}
			records, err = o.store.GetRecords(ctx, ids)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}

	now := o.clock.Now()
	scores := make([]domain.ScoredRecord, 0, len(records))
	for _, rec := range records {
		score, matched := o.scorer.Score(rec, group)
		if !passes(score, group) {
			continue
		}
		scores = append(scores, domain.ScoredRecord{
			RecordID:     rec.ID,
			GroupID:      group.ID,
			Score:        score,
			MatchedTerms: matched,
			ScoredAt:     now,
		})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].RecordID < scores[j].RecordID })
	if err := o.store.ReplaceScores(ctx, groupID, scores); err != nil {
		return 0, fmt.Errorf("replace scores: %w", err)
	}
	return len(scores), nil
}

// analyze sends the best-scoring unanalyzed records to the analyzer. A failure leaves
// the record unanalyzed.
func (o *Orchestrator) analyze(ctx context.Context, scored []scoredRecord, logger *slog.Logger) {
	limit := o.cfg.AnalysisMaxPerCycle
	if o.analyzer == nil || limit <= 0 {
		return
	}
	candidates := slices.DeleteFunc(slices.Clone(scored), func(s scoredRecord) bool {
		return s.record.Analysis != nil || s.record.Abstract == ""
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].record.ID < candidates[j].record.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		analysis, err := o.analyzer.Analyze(ctx, c.record.Title, c.record.Abstract)
		if err != nil {
			logWarn(logger, "analysis failed", "record", c.record.ID, "error", err)
			continue
		}
		if analysis.AnalyzedAt.IsZero() {
			analysis.AnalyzedAt = o.clock.Now()
		}
		if err := o.store.SetAnalysis(ctx, c.record.ID, analysis); err != nil {
			logWarn(logger, "persist analysis", "record", c.record.ID, "error", err)
		}
	}
}

func passes(score float64, group domain.KeywordGroup) bool {
	return score > 0 && score >= group.MinScore
}

func impactChanged(before, after domain.LiteratureRecord) bool {
	if before.ImpactFactorYear != after.ImpactFactorYear {
		return true
	}
	if (before.ImpactFactor == nil) != (after.ImpactFactor == nil) {
		return true
	}
	return before.ImpactFactor != nil && *before.ImpactFactor != *after.ImpactFactor
}
