package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"LiteratureScanner/internal/cache"
	"LiteratureScanner/internal/clock"
	"LiteratureScanner/internal/config"
	"LiteratureScanner/internal/dedup"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/impact"
	"LiteratureScanner/internal/infrastructure/httpapi"
	"LiteratureScanner/internal/infrastructure/llm"
	"LiteratureScanner/internal/infrastructure/ml"
	"LiteratureScanner/internal/infrastructure/parser"
	"LiteratureScanner/internal/infrastructure/rediscache"
	"LiteratureScanner/internal/infrastructure/scheduler"
	"LiteratureScanner/internal/infrastructure/storage"
	"LiteratureScanner/internal/logging"
	"LiteratureScanner/internal/ports"
	"LiteratureScanner/internal/retry"
	"LiteratureScanner/internal/scanner"
	"LiteratureScanner/internal/scoring"
	"LiteratureScanner/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg          config.Config
	logger       *slog.Logger
	store        ports.Store
	cache        *cache.Manager
	enricher     *impact.Enricher
	orchestrator *usecase.Orchestrator
	scheduler    *usecase.Scheduler
	server       *httpapi.Server
	closers      []func() error
}

// New builds the application: storage, cache, adapters, orchestrator, scheduler and API.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	cacheStore, err := openCacheStore(ctx, cfg.Cache)
	if err != nil {
		a.close()
		return nil, err
	}
	if c, ok := cacheStore.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.cache = cache.NewManager(cacheStore, clock.Real{}, cfg.Cache.TTL, baseLogger.With("component", "cache"))

	table := impact.Default()
	if cfg.ImpactFactors.Path != "" {
		if table, err = impact.LoadFile(cfg.ImpactFactors.Path); err != nil {
			a.close()
			return nil, fmt.Errorf("load impact factors: %w", err)
		}
	}
	a.enricher = impact.NewEnricher(table, baseLogger.With("component", "impact"))

	registry := buildRegistry(cfg, baseLogger)

	orchestrator, err := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Store:    store,
		Registry: registry,
		Cache:    a.cache,
		Dedup:    dedup.New(dedup.Config{TitleThreshold: cfg.Pipeline.TitleThreshold}, nil, baseLogger.With("component", "dedup")),
		Scorer:   scoring.NewScorer(cfg.Pipeline.FuzzyThreshold),
		Enricher: a.enricher,
		Analyzer: buildAnalyzer(cfg),
		Clock:    clock.Real{},
		Logger:   baseLogger.With("component", "orchestrator"),
		Config:   orchestratorConfig(cfg),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.orchestrator = orchestrator

	defaults := make([]domain.KeywordGroup, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		defaults = append(defaults, g.KeywordGroup())
	}
	if err := orchestrator.EnsureKeywordGroups(ctx, defaults); err != nil {
		a.close()
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		driver := scheduler.NewIntervalScheduler(cfg.Scheduler.Interval, cfg.Scheduler.RunOnStart)
		a.scheduler = usecase.NewScheduler(driver, orchestrator)
	}
	if cfg.HTTP.Addr != "" {
		a.server = httpapi.NewServer(orchestrator, cfg.HTTP.Addr, baseLogger.With("component", "http"))
	}
	return a, nil
}

// Orchestrator exposes the core service for embedding and one-shot runs.
func (a *Application) Orchestrator() *usecase.Orchestrator {
	return a.orchestrator
}

// Run serves until ctx is cancelled, then shuts every component down.
func (a *Application) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		a.logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval, "timezone", a.cfg.Scheduler.Location().String())
	}

	if a.server != nil {
		g.Go(a.server.Start)
	}

	if a.cfg.ImpactFactors.Path != "" && a.cfg.ImpactFactors.Watch {
		g.Go(func() error {
			return a.enricher.Watch(gctx, a.cfg.ImpactFactors.Path)
		})
	}

	if a.cfg.Cache.SweepInterval > 0 {
		g.Go(func() error {
			a.sweepLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	a.logger.Info("literature scanner running", "sources", a.orchestrator.Sources())
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func (a *Application) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Cache.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.cache.Sweep(ctx)
			if err != nil {
				a.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Debug("cache swept", "removed", removed)
			}
		}
	}
}

func (a *Application) shutdown(ctx context.Context) error {
	var firstErr error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop http server: %w", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop scheduler: %w", err)
		}
	}
	if err := a.orchestrator.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop orchestrator: %w", err)
	}
	a.logger.Info("literature scanner stopped")
	return firstErr
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource", "error", err)
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (ports.Store, error) {
	if cfg.Driver == config.DriverMemory {
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.OpenSQL(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func openCacheStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	if cfg.Backend != config.CacheRedis {
		return cache.NewMemoryStore(), nil
	}
	store, err := rediscache.New(ctx, rediscache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open redis cache: %w", err)
	}
	return store, nil
}

func buildRegistry(cfg config.Config, logger *slog.Logger) *scanner.Registry {
	registry := scanner.NewRegistry()
	for _, src := range cfg.Sources {
		if src.Disabled {
			continue
		}
		opts := parser.FeedOptions{
			BaseURL:           src.BaseURL,
			RequestsPerSecond: src.RequestsPerSecond,
			Lookback:          cfg.Pipeline.Lookback,
			Logger:            logger.With("component", "scanner."+src.Name),
		}
		switch src.Name {
		case "pubmed":
			registry.Register(parser.NewPubMedAdapter(opts, src.Email, src.APIKey))
		case "biorxiv", "medrxiv":
			registry.Register(parser.NewBioRxivAdapter(src.Name, opts))
		case "arxiv":
			registry.Register(parser.NewArxivAdapter(opts))
		case "arxiv-listing":
			registry.Register(parser.NewArxivListingScanner(opts))
		}
	}
	return registry
}

func buildAnalyzer(cfg config.Config) ports.Analyzer {
	switch cfg.Analysis.Provider {
	case config.AnalysisChatGPT:
		return llm.NewChatGPTAnalyzer(cfg.ChatGPT)
	case config.AnalysisService:
		return ml.NewClient(cfg.ML)
	default:
		return nil
	}
}

func orchestratorConfig(cfg config.Config) usecase.Config {
	ttls := make(map[string]time.Duration)
	options := make(map[string]map[string]string)
	for _, src := range cfg.Sources {
		if src.CacheTTL > 0 {
			ttls[src.Name] = src.CacheTTL
		}
		if len(src.Options) > 0 {
			options[src.Name] = src.Options
		}
	}
	return usecase.Config{
		Sources:        cfg.EnabledSources(),
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		CycleTimeout:   cfg.Pipeline.CycleTimeout,
		MaxResults:     cfg.Pipeline.MaxResults,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Pipeline.Retry.MaxAttempts,
			InitialInterval: cfg.Pipeline.Retry.InitialInterval,
			MaxInterval:     cfg.Pipeline.Retry.MaxInterval,
			Multiplier:      cfg.Pipeline.Retry.Multiplier,
		},
		CacheTTL:            ttls,
		SourceOptions:       options,
		AnalysisMaxPerCycle: cfg.Analysis.MaxPerCycle,
	}
}
