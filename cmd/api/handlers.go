package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/graph"
	"github.com/constructiq/permit-search/engine/querylog"
	"github.com/constructiq/permit-search/engine/search"
	"github.com/constructiq/permit-search/engine/semantic"
	"github.com/constructiq/permit-search/pkg/metrics"
	"github.com/constructiq/permit-search/pkg/resilience"
)

const (
	serviceName = "ConstructIQ Permit Search API"
	version     = "1.0.0"

	maxBodyBytes   = 1 << 20
	maxRelatedSize = 50
)

// Error codes returned in {detail, error_code} bodies.
const (
	codeValidation       = "VALIDATION_ERROR"
	codeUnavailable      = "SERVICE_UNAVAILABLE"
	codeEmbedding        = "EMBEDDING_UNAVAILABLE"
	codeVectorStore      = "VECTOR_STORE_UNAVAILABLE"
	codeGraphDisabled    = "GRAPH_DISABLED"
	codeNotFound         = "NOT_FOUND"
	codeInternal         = "INTERNAL_ERROR"
	codeLogsUnavailable  = "LOGS_UNAVAILABLE"
	detailNotInitialized = "Permit service not available"
)

// permitService is the part of search.Service the handlers use.
type permitService interface {
	Search(ctx context.Context, req search.Request) ([]domain.SearchResult, error)
	Status(ctx context.Context) search.ServiceStatus
	Related(ctx context.Context, recordID string, limit int) ([]graph.RelatedPermit, error)
	Permit(ctx context.Context, recordID string) (graph.Permit, error)
}

type queryLog interface {
	Log(ctx context.Context, e querylog.Entry) querylog.Entry
	Recent(limit int) ([]querylog.Entry, error)
}

// server holds handler dependencies. svc is nil when startup failed; every
// endpoint that needs it then answers 503.
type server struct {
	svc     permitService
	qlog    queryLog
	metrics *metrics.Permits
	logger  *slog.Logger
	now     func() time.Time
}

func newServer(svc permitService, qlog queryLog, m *metrics.Permits, logger *slog.Logger) *server {
	if m == nil {
		m = metrics.NewPermits(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &server{svc: svc, qlog: qlog, metrics: m, logger: logger, now: time.Now}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("GET /api/v1/logs/recent", s.handleRecentLogs)
	mux.HandleFunc("GET /api/v1/permits/{id}", s.handlePermit)
	mux.HandleFunc("GET /api/v1/permits/{id}/related", s.handleRelated)
	mux.Handle("GET /metrics", s.metrics.Registry().Handler())
	return mux
}

// --- Responses ---

type errorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, ErrorCode: code})
}

// --- Handlers ---

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": serviceName,
		"version": version,
		"status":  "running",
	})
}

type healthResponse struct {
	Status   string               `json:"status"`
	Services search.ServiceStatus `json:"services"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, detailNotInitialized)
		return
	}
	st := s.svc.Status(r.Context())
	status := "OK"
	if !st.Healthy() {
		status = "DEGRADED"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Services: st})
}

// SearchRequest is the JSON body for POST /api/v1/search.
type SearchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	TopK    *int           `json:"top_k,omitempty"`
}

// SearchResponse is the JSON response for POST /api/v1/search.
type SearchResponse struct {
	Query        string                `json:"query"`
	Results      []domain.SearchResult `json:"results"`
	TotalResults int                   `json:"total_results"`
	SearchTimeMS float64               `json:"search_time_ms"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	if s.svc == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, detailNotInitialized)
		return
	}

	var body SearchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.metrics.Search(metrics.OutcomeInvalid, 0, s.now().Sub(start))
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "invalid request body: "+err.Error())
		return
	}
	req, err := domain.ValidateSearch(body.Query, body.TopK, body.Filters)
	if err != nil {
		s.metrics.Search(metrics.OutcomeInvalid, 0, s.now().Sub(start))
		writeError(w, http.StatusUnprocessableEntity, codeValidation, err.Error())
		return
	}

	results, err := s.svc.Search(r.Context(), search.Request{Query: req.Query, TopK: req.TopK, Filter: req.Filter})
	if err != nil {
		status, code, detail := classify(err)
		outcome := metrics.OutcomeUnavailable
		if status == http.StatusInternalServerError {
			outcome = metrics.OutcomeError
		}
		s.metrics.Search(outcome, 0, s.now().Sub(start))
		s.logger.Error("search failed", "err", err, "status", status)
		writeError(w, status, code, detail)
		return
	}

	took := s.now().Sub(start)
	ms := math.Round(float64(took.Microseconds())/10) / 100
	s.metrics.Search(metrics.OutcomeOK, len(results), took)
	if s.qlog != nil {
		s.qlog.Log(r.Context(), querylog.Entry{
			QueryText:    req.Query,
			Filters:      req.RawFilters,
			TopResults:   querylog.Summarize(results),
			SearchTimeMS: ms,
			UserAgent:    r.UserAgent(),
			ClientIP:     clientIP(r),
		})
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Query:        req.Query,
		Results:      results,
		TotalResults: len(results),
		SearchTimeMS: ms,
	})
}

// classify maps a search error onto a status, error code and client-safe
// detail.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, search.ErrEmbeddingFailed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, codeEmbedding, "Embedding service unavailable"
	case errors.Is(err, semantic.ErrQueryFailed), errors.Is(err, semantic.ErrIndexNotFound):
		return http.StatusServiceUnavailable, codeVectorStore, "Vector index unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeUnavailable, "Search timed out"
	default:
		return http.StatusInternalServerError, codeInternal, "Search failed"
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer")
			return
		}
		limit = n
	}
	if s.qlog == nil {
		writeError(w, http.StatusServiceUnavailable, codeLogsUnavailable, "Query log not available")
		return
	}
	entries, err := s.qlog.Recent(domain.ClampLogLimit(limit))
	if err != nil {
		s.logger.Error("read recent logs", "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Failed to retrieve logs")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type relatedResponse struct {
	RecordID string                `json:"record_id"`
	Related  []graph.RelatedPermit `json:"related"`
	Total    int                   `json:"total"`
}

func (s *server) handleRelated(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, detailNotInitialized)
		return
	}
	id := r.PathValue("id")
	limit := graph.DefaultRelatedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRelatedSize)
	}

	related, err := s.svc.Related(r.Context(), id, limit)
	switch {
	case errors.Is(err, search.ErrGraphDisabled):
		writeError(w, http.StatusNotFound, codeGraphDisabled, "Permit graph is not configured")
		return
	case err != nil:
		s.logger.Error("related lookup failed", "record_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Permit graph unavailable")
		return
	}
	writeJSON(w, http.StatusOK, relatedResponse{RecordID: id, Related: related, Total: len(related)})
}

func (s *server) handlePermit(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, detailNotInitialized)
		return
	}
	id := r.PathValue("id")
	p, err := s.svc.Permit(r.Context(), id)
	switch {
	case errors.Is(err, search.ErrGraphDisabled):
		writeError(w, http.StatusNotFound, codeGraphDisabled, "Permit graph is not configured")
		return
	case errors.Is(err, graph.ErrPermitNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Permit not found")
		return
	case err != nil:
		s.logger.Error("permit lookup failed", "record_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Permit graph unavailable")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
