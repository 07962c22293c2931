package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"LiteratureScanner/internal/domain"
	"LiteratureScanner/internal/scoring"
	"LiteratureScanner/internal/usecase"
)

type groupRequest struct {
	Name     string        `json:"name"`
	Terms    []domain.Term `json:"terms"`
	MinScore float64       `json:"minScore"`
	Active   *bool         `json:"active,omitempty"`
}

type termsRequest struct {
	Terms []domain.Term `json:"terms"`
}

type settingsRequest struct {
	MinScore *float64 `json:"minScore,omitempty"`
	Active   *bool    `json:"active,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "sources": s.svc.Sources()})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.CacheStats())
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.svc.ListKeywordGroups(r.Context())
	if err != nil {
		s.respondFailure(w, "list groups", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := []usecase.GroupOption{usecase.WithMinScore(req.MinScore)}
	if req.Active != nil {
		opts = append(opts, usecase.WithActive(*req.Active))
	}
	group, err := s.svc.CreateKeywordGroup(r.Context(), req.Name, req.Terms, opts...)
	if err != nil {
		s.respondFailure(w, "create group", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.svc.GetKeywordGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get group", err)
		return
	}
	s.respondJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.DeleteKeywordGroup(r.Context(), id); err != nil {
		s.respondFailure(w, "delete group", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleUpdateTerms(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	group, err := s.svc.UpdateKeywordGroupTerms(r.Context(), chi.URLParam(r, "id"), req.Terms)
	if err != nil {
		s.respondFailure(w, "update terms", err)
		return
	}
	s.respondJSON(w, http.StatusOK, group)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	current, err := s.svc.GetKeywordGroup(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "update settings", err)
		return
	}
	minScore, active := current.MinScore, current.Active
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	if req.Active != nil {
		active = *req.Active
	}
	group, err := s.svc.UpdateKeywordGroupSettings(r.Context(), id, minScore, active)
	if err != nil {
		s.respondFailure(w, "update settings", err)
		return
	}
	s.respondJSON(w, http.StatusOK, group)
}

// handleTriggerUpdate answers 202 with the job id, or waits for the job with ?wait=true.
func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.svc.TriggerUpdate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "trigger update", err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
		return
	}
	job, err := s.svc.AwaitJob(r.Context(), jobID)
	if err != nil {
		// The request deadline passed first; the job keeps running.
		s.respondJSON(w, http.StatusAccepted, job)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleScoredRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	order := scoring.ParseSortOrder(r.URL.Query().Get("sort"))
	views, err := s.svc.GetScoredRecords(r.Context(), chi.URLParam(r, "id"), filter, order)
	if err != nil {
		s.respondFailure(w, "scored records", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"records": views, "count": len(views)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.GetKeywordGroup(r.Context(), id); err != nil {
		s.respondFailure(w, "list jobs", err)
		return
	}
	jobs, err := s.svc.ListJobs(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "list jobs", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get job", err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get record", err)
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

func parseFilter(r *http.Request) (scoring.Filter, error) {
	q := r.URL.Query()
	filter := scoring.Filter{
		Source: q.Get("source"),
		Term:   q.Get("term"),
	}
	if v := q.Get("minScore"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return scoring.Filter{}, errors.New("minScore must be a number")
		}
		filter.MinScore = f
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return scoring.Filter{}, errors.New("since must be RFC 3339 or YYYY-MM-DD")
		}
		filter.Since = since
	}
	if v := q.Get("analyzed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return scoring.Filter{}, errors.New("analyzed must be a boolean")
		}
		filter.AnalyzedOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return scoring.Filter{}, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// respondFailure maps domain errors to status codes.
func (s *Server) respondFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidGroup):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logError(op+" failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
