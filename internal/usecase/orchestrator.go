package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"LiteratureScanner/internal/cache"
	"LiteratureScanner/internal/clock"
	"LiteratureScanner/internal/dedup"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/impact"
	"LiteratureScanner/internal/keylock"
	"LiteratureScanner/internal/ports"
	"LiteratureScanner/internal/retry"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/scoring"
)

const (
	defaultMaxConcurrency = 4
	defaultCycleTimeout   = 5 * time.Minute
	defaultMaxResults     = 100
)

// Config tunes update cycles.
type Config struct {
	// Sources lists the adapters each cycle runs. Empty means every registered adapter.
	Sources        []string
	MaxConcurrency int
	CycleTimeout   time.Duration
	MaxResults     int
	Retry          retry.Policy
	// CacheTTL overrides the cache manager default per source.
	CacheTTL map[string]time.Duration
	// SourceOptions are passed to the adapter query, e.g. arXiv categories.
	SourceOptions map[string]map[string]string
	// AnalysisMaxPerCycle caps analyzer calls after a cycle. Zero disables analysis.
	AnalysisMaxPerCycle int
}

// OrchestratorDeps wires the components an update cycle drives.
type OrchestratorDeps struct {
	Store    ports.Store
	Registry *scanner.Registry
	Cache    *cache.Manager
	Dedup    *dedup.Deduplicator
	Scorer   *scoring.Scorer
	Enricher *impact.Enricher
	Analyzer ports.Analyzer
	Locks    *keylock.Locker
	Clock    clock.Clock
	Logger   *slog.Logger
	NewID    func() string
	Config   Config
}

// Orchestrator runs FetchJobs for keyword groups and serves the consumer operations.
type Orchestrator struct {
	store    ports.Store
	registry *scanner.Registry
	cache    *cache.Manager
	dedup    *dedup.Deduplicator
	scorer   *scoring.Scorer
	enricher *impact.Enricher
	analyzer ports.Analyzer
	locks    *keylock.Locker
	clock    clock.Clock
	logger   *slog.Logger
	newID    func() string
	cfg      Config

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	byGroup map[string]*jobRun
	byJob   map[string]*jobRun
}

// jobRun is the in-memory handle of a job that has not finished yet.
type jobRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	job domain.FetchJob
}

func (r *jobRun) snapshot() domain.FetchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

func (r *jobRun) update(fn func(job *domain.FetchJob) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&r.job)
}

// NewOrchestrator validates deps and fills defaults for optional collaborators.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("scanner registry is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewManager(nil, clk, 0, deps.Logger)
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.New(dedup.DefaultConfig(), clk.Now, deps.Logger)
	}
	if deps.Scorer == nil {
		deps.Scorer = scoring.NewScorer(0)
	}
	if deps.Enricher == nil {
		deps.Enricher = impact.NewEnricher(impact.Default(), deps.Logger)
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	cfg := deps.Config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	for _, name := range cfg.Sources {
		if _, err := deps.Registry.Resolve(name); err != nil {
			return nil, err
		}
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = deps.Registry.Names()
	}

	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    deps.Store,
		registry: deps.Registry,
		cache:    deps.Cache,
		dedup:    deps.Dedup,
		scorer:   deps.Scorer,
		enricher: deps.Enricher,
		analyzer: deps.Analyzer,
		locks:    deps.Locks,
		clock:    clk,
		logger:   deps.Logger,
		newID:    deps.NewID,
		cfg:      cfg,
		baseCtx:  base,
		stop:     stop,
		byGroup:  map[string]*jobRun{},
		byJob:    map[string]*jobRun{},
	}, nil
}

// Sources returns the adapters each cycle runs.
func (o *Orchestrator) Sources() []string {
	return slices.Clone(o.cfg.Sources)
}

// CacheStats exposes the cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// TriggerUpdate starts a cycle for the group and returns its job id. While a cycle for the
// group is pending or running, the id of that job is returned instead of starting another.
func (o *Orchestrator) TriggerUpdate(ctx context.Context, groupID string) (string, error) {
	if _, err := o.store.GetGroup(ctx, groupID); err != nil {
		return "", fmt.Errorf("trigger update: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.byGroup[groupID]; ok {
		o.debug("update coalesced", "group", groupID, "job", run.id)
		return run.id, nil
	}
	if err := o.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("trigger update: orchestrator stopped: %w", err)
	}

	job := domain.NewFetchJob(o.newID(), groupID, o.cfg.Sources, o.clock.Now())
	if err := o.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("save job: %w", err)
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	run := &jobRun{id: job.ID, job: job, cancel: cancel, done: make(chan struct{})}
	o.byGroup[groupID] = run
	o.byJob[job.ID] = run

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, run)
	}()
	return job.ID, nil
}

// RunUpdate triggers a cycle and waits for it.
func (o *Orchestrator) RunUpdate(ctx context.Context, groupID string) (domain.FetchJob, error) {
	jobID, err := o.TriggerUpdate(ctx, groupID)
	if err != nil {
		return domain.FetchJob{}, err
	}
	return o.AwaitJob(ctx, jobID)
}

// AwaitJob blocks until the job reaches a terminal state or ctx ends.
func (o *Orchestrator) AwaitJob(ctx context.Context, jobID string) (domain.FetchJob, error) {
	o.mu.Lock()
	run, ok := o.byJob[jobID]
	o.mu.Unlock()
	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return run.snapshot(), ctx.Err()
		}
	}
	return o.store.GetJob(ctx, jobID)
}

// GetJobStatus returns a snapshot of the job, live while it runs.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (domain.FetchJob, error) {
	o.mu.Lock()
	run, ok := o.byJob[jobID]
	o.mu.Unlock()
	if ok {
		return run.snapshot(), nil
	}
	return o.store.GetJob(ctx, jobID)
}

// ListJobs returns the job history of a group, newest first. An empty id lists every group.
func (o *Orchestrator) ListJobs(ctx context.Context, groupID string) ([]domain.FetchJob, error) {
	jobs, err := o.store.ListJobs(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range jobs {
		if run, ok := o.byJob[jobs[i].ID]; ok {
			jobs[i] = run.snapshot()
		}
	}
	return jobs, nil
}

// Shutdown cancels running cycles and waits for them to record their outcome, including
// analysis passes still running after their job finished.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *jobRun) {
	job := run.snapshot()
	logger := o.logger
	if logger != nil {
		logger = logger.With("job", job.ID, "group", job.GroupID)
	}

	// The job leaves the in-flight maps as soon as it is terminal so the analysis pass
	// does not hold back the next cycle of the group.
	release := sync.OnceFunc(func() {
		o.mu.Lock()
		delete(o.byGroup, job.GroupID)
		delete(o.byJob, job.ID)
		o.mu.Unlock()
		close(run.done)
	})
	defer release()

	outcome, err := o.runCycle(ctx, run, logger)
	if err != nil {
		_ = run.update(func(j *domain.FetchJob) error {
			if !j.State.Terminal() {
				_ = j.Fail(o.clock.Now(), err)
			}
			return nil
		})
		logWarn(logger, "update cycle failed", "error", err)
	}

	final := run.snapshot()
	// Job history outlives a cancelled run context.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SaveJob(saveCtx, final); err != nil {
		logWarn(logger, "persist job", "error", err)
	}
	logInfo(logger, "update cycle finished",
		"state", final.State,
		"new", final.NewRecords,
		"updated", final.UpdatedRecords,
		"scored", final.ScoredRecords,
	)

	release()

	if err == nil && len(outcome) > 0 {
		o.analyze(ctx, outcome, logger)
	}
}

// sourceResult is what one adapter contributed to a cycle.
type sourceResult struct {
	source  string
	records []domain.RawRecord
	ok      bool
}

// runCycle walks the job from pending to a terminal state. It returns the records it
// scored so the caller can hand them to the analyzer.
func (o *Orchestrator) runCycle(ctx context.Context, run *jobRun, logger *slog.Logger) ([]scoredRecord, error) {
	job := run.snapshot()
	group, err := o.store.GetGroup(ctx, job.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	cursors, err := o.store.GetCursors(ctx, job.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	startedAt := o.clock.Now()
	if err := run.update(func(j *domain.FetchJob) error { return j.Start(startedAt, cursors) }); err != nil {
		return nil, err
	}
	if err := o.store.SaveJob(ctx, run.snapshot()); err != nil {
		logWarn(logger, "persist running job", "error", err)
	}
	logDebug(logger, "update cycle started", "sources", len(job.Sources))

	results := o.fetchAll(ctx, run, group, cursors, logger)

	var incoming []domain.RawRecord
	var okSources []string
	for _, res := range results {
		if !res.ok {
			continue
		}
		okSources = append(okSources, res.source)
		incoming = append(incoming, res.records...)
	}

	if len(okSources) == 0 {
		err := run.update(func(j *domain.FetchJob) error {
			_, err := j.Finish(o.clock.Now())
			return err
		})
		return nil, err
	}

	commitCtx := context.WithoutCancel(ctx)
	merged, err := o.mergeAndCommit(commitCtx, group.ID, incoming, okSources, startedAt, logger)
	if err != nil {
		return nil, err
	}

	if err := run.update(func(j *domain.FetchJob) error {
		j.NewRecords = merged.newCount
		j.UpdatedRecords = merged.updatedCount
		j.ScoredRecords = len(merged.scored)
		_, err := j.Finish(o.clock.Now())
		return err
	}); err != nil {
		return nil, err
	}

	o.rescoreReferencing(commitCtx, group.ID, merged.updatedIDs, logger)
	return merged.scored, nil
}

// fetchAll runs every source of the job with bounded parallelism and records each
// outcome on the job. Sources still unfinished at the cycle deadline fail as timeouts.
func (o *Orchestrator) fetchAll(ctx context.Context, run *jobRun, group domain.KeywordGroup, cursors map[string]time.Time, logger *slog.Logger) []sourceResult {
	cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
	defer cancel()

	sources := run.snapshot().Sources
	results := make([]sourceResult, len(sources))

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, st := range sources {
		i, source := i, st.Source
		results[i].source = source
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_ = run.update(func(j *domain.FetchJob) error { return j.MarkSourceRunning(source) })

			records, fromCache, attempts, err := o.fetchSource(gctx, group, source, cursors[source])
			if err != nil {
				kind := errorKind(cycleCtx, err)
				logWarn(logger, "source failed", "source", source, "kind", kind, "attempts", attempts, "error", err)
				_ = run.update(func(j *domain.FetchJob) error {
					return j.MarkSourceFailed(source, attempts, kind, err)
				})
				return nil
			}
			logDebug(logger, "source fetched", "source", source, "records", len(records), "cached", fromCache)
			if uerr := run.update(func(j *domain.FetchJob) error {
				return j.MarkSourceOK(source, attempts, len(records), fromCache)
			}); uerr == nil {
				results[i].records = records
				results[i].ok = true
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) fetchSource(ctx context.Context, group domain.KeywordGroup, source string, since time.Time) ([]domain.RawRecord, bool, int, error) {
	adapter, err := o.registry.Resolve(source)
	if err != nil {
		return nil, false, 0, scanner.Permanent(source, err)
	}
	req := cache.Request{
		Source:  source,
		Query:   scanner.QueryFor(group, o.cfg.SourceOptions[source], o.cfg.MaxResults),
		Since:   since,
		GroupID: group.ID,
		TTL:     o.cfg.CacheTTL[source],
	}

	var res cache.Result
	attempts, err := o.cfg.Retry.Do(ctx, o.clock, scanner.IsTransient, func(ctx context.Context, _ int) error {
		var ferr error
		res, ferr = o.cache.GetOrFetch(ctx, req, func(fctx context.Context) ([]domain.RawRecord, error) {
			records, err := adapter.Fetch(fctx, req.Query, since)
			return records, scanner.Classify(source, err)
		})
		return ferr
	})
	if err != nil {
		return nil, false, attempts, err
	}
	return res.Records, res.FromCache, attempts, nil
}

func errorKind(cycleCtx context.Context, err error) domain.ErrorKind {
	switch {
	case scanner.IsPermanent(err):
		return domain.ErrorPermanent
	case cycleCtx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.ErrorTimeout
	default:
		return domain.ErrorTransient
	}
}

func (o *Orchestrator) debug(msg string, args ...interface{}) {
	logDebug(o.logger, msg, args...)
}

func logDebug(logger *slog.Logger, msg string, args ...interface{}) {
	if logger != nil {
		logger.Debug(msg, args...)
	}
}

func logInfo(logger *slog.Logger, msg string, args ...interface{}) {
	if logger != nil {
		logger.Info(msg, args...)
	}
}

func logWarn(logger *slog.Logger, msg string, args ...interface{}) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
