// Package httpapi exposes keyword groups, update cycles and scored listings over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"LiteratureScanner/internal/cache"
	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scoring"
	"LiteratureScanner/internal/usecase"
)

// Service is the application surface the API drives. *usecase.Orchestrator implements it.
type Service interface {
	CreateKeywordGroup(ctx context.Context, name string, terms []domain.Term, opts ...usecase.GroupOption) (domain.KeywordGroup, error)
	UpdateKeywordGroupTerms(ctx context.Context, id string, terms []domain.Term) (domain.KeywordGroup, error)
	UpdateKeywordGroupSettings(ctx context.Context, id string, minScore float64, active bool) (domain.KeywordGroup, error)
	DeleteKeywordGroup(ctx context.Context, id string) error
	GetKeywordGroup(ctx context.Context, id string) (domain.KeywordGroup, error)
	ListKeywordGroups(ctx context.Context) ([]domain.KeywordGroup, error)
	TriggerUpdate(ctx context.Context, groupID string) (string, error)
	AwaitJob(ctx context.Context, jobID string) (domain.FetchJob, error)
	GetJobStatus(ctx context.Context, jobID string) (domain.FetchJob, error)
	ListJobs(ctx context.Context, groupID string) ([]domain.FetchJob, error)
	GetScoredRecords(ctx context.Context, groupID string, filter scoring.Filter, order scoring.SortOrder) ([]domain.ScoredView, error)
	GetRecord(ctx context.Context, id string) (domain.LiteratureRecord, error)
	Sources() []string
	CacheStats() cache.Stats
}

var _ Service = (*usecase.Orchestrator)(nil)

// Server is the HTTP server for the literature API.
type Server struct {
	svc    Service
	addr   string
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(svc Service, addr string, logger *slog.Logger) *Server {
	s := &Server{svc: svc, addr: addr, logger: logger}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router. It is exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/cache/stats", s.handleCacheStats)

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", s.handleListGroups)
		r.Post("/", s.handleCreateGroup)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetGroup)
			r.Delete("/", s.handleDeleteGroup)
			r.Put("/terms", s.handleUpdateTerms)
			r.Put("/settings", s.handleUpdateSettings)
			r.Post("/updates", s.handleTriggerUpdate)
			r.Get("/records", s.handleScoredRecords)
			r.Get("/jobs", s.handleListJobs)
		})
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/records/{id}", s.handleGetRecord)
	return r
}

// Start starts the HTTP server and blocks until it stops. A Stop before Start makes
// Start return immediately.
func (s *Server) Start() error {
	s.info("starting http server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Server) info(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
