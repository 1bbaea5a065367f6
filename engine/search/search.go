// Package search answers natural-language permit queries. It embeds the
// query, runs a filtered vector search, and reports dependency health.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/graph"
	"github.com/constructiq/permit-search/engine/semantic"
	"github.com/constructiq/permit-search/pkg/fn"
)

// Errors reported by the service. Query failures from the vector store are
// passed through wrapping semantic.ErrQueryFailed.
var (
	ErrEmbeddingFailed = errors.New("search: query embedding failed")
	ErrGraphDisabled   = errors.New("search: permit graph is not configured")
)

// Embedder turns query text into a vector. Ping is a live provider call
// that never answers from a cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ping(ctx context.Context) error
	Model() string
}

// Searcher runs vector queries against a named index.
type Searcher interface {
	Query(ctx context.Context, index string, vector []float32, topK int, filter domain.Filter) ([]domain.SearchResult, error)
	DescribeIndex(ctx context.Context, index string) (semantic.IndexStats, error)
}

// Graph reads the permit graph.
type Graph interface {
	Related(ctx context.Context, recordID string, limit int) ([]graph.RelatedPermit, error)
	GetPermit(ctx context.Context, recordID string) (graph.Permit, error)
	NodeCounts(ctx context.Context) (map[string]int64, error)
}

// Options configures the service.
type Options struct {
	// Index is the default index name.
	Index string
	// SearchTimeout bounds the vector query. Zero means no extra deadline.
	SearchTimeout time.Duration
	// ProbeTimeout bounds each dependency probe in Status.
	ProbeTimeout time.Duration
}

// DefaultOptions returns the defaults used by the API.
func DefaultOptions() Options {
	return Options{
		Index:         "austin-permits",
		SearchTimeout: 10 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

// Service is the search orchestrator.
type Service struct {
	embed  Embedder
	store  Searcher
	graph  Graph
	opts   Options
	logger *slog.Logger
}

// New creates a Service. graph may be nil.
func New(embed Embedder, store Searcher, graph Graph, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Index == "" {
		opts.Index = DefaultOptions().Index
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}
	return &Service{embed: embed, store: store, graph: graph, opts: opts, logger: logger}
}

// Index returns the default index name.
func (s *Service) Index() string { return s.opts.Index }

// Request is a validated search call.
type Request struct {
	Query  string
	TopK   int
	Index  string
	Filter domain.Filter
}

// Search embeds the query and returns up to TopK matches, best first. The
// returned slice is never nil. Zero matches is not an error.
func (s *Service) Search(ctx context.Context, req Request) ([]domain.SearchResult, error) {
	index := req.Index
	if index == "" {
		index = s.opts.Index
	}
	topK := req.TopK
	if topK <= 0 {
		topK = domain.DefaultTopK
	}
	s.logger.Info("search start", "query_len", len(req.Query), "top_k", topK, "filters", len(req.Filter), "index", index)

	vector, err := s.embed.Embed(ctx, req.Query)
	if err != nil {
		s.logger.Error("search: embed query", "err", err)
		return []domain.SearchResult{}, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	results, err := s.store.Query(searchCtx, index, vector, topK, req.Filter)
	if err != nil {
		s.logger.Error("search: vector query", "err", err, "index", index)
		return []domain.SearchResult{}, err
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	s.logger.Info("search done", "results", len(results))
	return results, nil
}

// Related returns permits linked to recordID in the permit graph.
func (s *Service) Related(ctx context.Context, recordID string, limit int) ([]graph.RelatedPermit, error) {
	if s.graph == nil {
		return nil, ErrGraphDisabled
	}
	related, err := s.graph.Related(ctx, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("search: related: %w", err)
	}
	return related, nil
}

// Permit returns the graph node for recordID. A missing node is reported
// as graph.ErrPermitNotFound.
func (s *Service) Permit(ctx context.Context, recordID string) (graph.Permit, error) {
	if s.graph == nil {
		return graph.Permit{}, ErrGraphDisabled
	}
	p, err := s.graph.GetPermit(ctx, recordID)
	if err != nil {
		return graph.Permit{}, fmt.Errorf("search: permit: %w", err)
	}
	return p, nil
}

// Probe states reported by Status.
const (
	StateInitialized = "initialized"
	StateConnected   = "connected"
	StateDisabled    = "disabled"
)

// ServiceStatus is a point-in-time report of dependency connectivity.
type ServiceStatus struct {
	EmbeddingService string               `json:"embedding_service"`
	VectorDBService  string               `json:"vector_db_service"`
	EmbeddingAPI     string               `json:"embedding_api"`
	EmbeddingModel   string               `json:"embedding_model"`
	VectorIndex      string               `json:"vector_index"`
	IndexStats       *semantic.IndexStats `json:"index_stats,omitempty"`
	Graph            string               `json:"graph"`
	GraphNodes       map[string]int64     `json:"graph_nodes,omitempty"`
}

// Healthy reports whether both the embedding API and the index answered.
func (st ServiceStatus) Healthy() bool {
	return st.EmbeddingAPI == StateConnected && st.VectorIndex == StateConnected
}

type probe struct {
	err    error
	stats  semantic.IndexStats
	counts map[string]int64
}

// Status pings the embedding provider, reads the index stats and, when the
// graph is configured, its node counts, concurrently. Failures are reported
// in the result, never returned. A graph failure does not make the service
// unhealthy.
func (s *Service) Status(ctx context.Context) ServiceStatus {
	st := ServiceStatus{
		EmbeddingService: StateInitialized,
		VectorDBService:  StateInitialized,
		EmbeddingModel:   s.embed.Model(),
		Graph:            StateDisabled,
	}
	if s.graph != nil {
		st.Graph = StateInitialized
	}

	checks := []func() probe{
		func() probe {
			ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()
			return probe{err: s.embed.Ping(ctx)}
		},
		func() probe {
			ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()
			stats, err := s.store.DescribeIndex(ctx, s.opts.Index)
			return probe{err: err, stats: stats}
		},
	}
	if s.graph != nil {
		checks = append(checks, func() probe {
			ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()
			counts, err := s.graph.NodeCounts(ctx)
			return probe{err: err, counts: counts}
		})
	}
	probes := fn.FanOut(checks...)
	st.EmbeddingAPI = probeState(probes[0].err)
	st.VectorIndex = probeState(probes[1].err)
	if probes[1].err == nil {
		stats := probes[1].stats
		st.IndexStats = &stats
	}
	if len(probes) > 2 {
		if err := probes[2].err; err != nil {
			st.Graph = probeState(err)
		} else {
			st.GraphNodes = probes[2].counts
		}
	}
	if st.EmbeddingAPI != StateConnected || st.VectorIndex != StateConnected {
		s.logger.Warn("service status degraded", "embedding_api", st.EmbeddingAPI, "vector_index", st.VectorIndex)
	}
	return st
}

func probeState(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return StateConnected
}
