package metrics

import (
	"time"

	"github.com/constructiq/permit-search/pkg/resilience"
)

// Outcome labels for search requests.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Permits is the metric set shared by the API and the ingest tooling.
type Permits struct {
	reg *Registry
}

// NewPermits registers the permit search metrics on reg. A nil reg gets a
// fresh registry.
func NewPermits(reg *Registry) *Permits {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Permits{reg: reg}
}

// Registry returns the underlying registry.
func (p *Permits) Registry() *Registry { return p.reg }

// Search records one search request.
func (p *Permits) Search(outcome string, results int, took time.Duration) {
	p.reg.Counter("permit_search_requests_total", "Search requests by outcome.", "outcome", outcome).Inc()
	p.reg.Histogram("permit_search_duration_seconds", "Search latency.", nil).Observe(took.Seconds())
	if outcome == OutcomeOK {
		p.reg.Counter("permit_search_results_total", "Results returned across all searches.").Add(int64(results))
	}
}

// HTTP records one served request.
func (p *Permits) HTTP(method, route string, status int, took time.Duration) {
	p.reg.Counter("permit_http_requests_total", "HTTP requests.", "method", method, "route", route, "code", statusClass(status)).Inc()
	p.reg.Histogram("permit_http_duration_seconds", "HTTP latency.", nil, "route", route).Observe(took.Seconds())
}

// Indexed records the outcome of one indexing run.
func (p *Permits) Indexed(index string, upserted, embedFailures int) {
	p.reg.Counter("permit_indexed_records_total", "Records upserted into the vector index.", "index", index).Add(int64(upserted))
	p.reg.Counter("permit_embedding_failures_total", "Records whose embedding failed during indexing.", "index", index).Add(int64(embedFailures))
}

// BreakerChanged matches resilience.BreakerOpts.OnStateChange.
func (p *Permits) BreakerChanged(name string, _, to resilience.State) {
	p.reg.Gauge("permit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open).", "breaker", name).Set(float64(to))
	p.reg.Counter("permit_breaker_transitions_total", "Circuit breaker transitions.", "breaker", name, "to", to.String()).Inc()
}

// QueryLogFailed counts query log writes that did not reach the file.
func (p *Permits) QueryLogFailed() {
	p.reg.Counter("permit_querylog_write_failures_total", "Failed query log appends.").Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
