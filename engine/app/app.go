// Package app builds the permit search components from configuration. The
// API server and the permitctl tool share it so both talk to the same
// embedding provider, index and optional graph and NATS connections.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/constructiq/permit-search/engine/graph"
	"github.com/constructiq/permit-search/engine/ingest"
	"github.com/constructiq/permit-search/engine/loader"
	"github.com/constructiq/permit-search/engine/normalize"
	"github.com/constructiq/permit-search/engine/querylog"
	"github.com/constructiq/permit-search/engine/search"
	"github.com/constructiq/permit-search/engine/semantic"
	"github.com/constructiq/permit-search/pkg/config"
	"github.com/constructiq/permit-search/pkg/embedding"
	"github.com/constructiq/permit-search/pkg/metrics"
	"github.com/constructiq/permit-search/pkg/resilience"
)

const connectTimeout = 10 * time.Second

// App holds the connected components. Graph and NATS are nil when not
// configured or unreachable.
type App struct {
	Config   config.Config
	Embedder *embedding.Client
	Store    *semantic.VectorStore
	Graph    *graph.GraphStore
	NATS     *nats.Conn
	Metrics  *metrics.Permits
	Logger   *slog.Logger

	closers []func()
}

// New validates cfg and connects the components. The embedding client and
// the vector store are required; the graph and NATS are optional and only
// logged when they fail.
func New(ctx context.Context, cfg config.Config, m *metrics.Permits, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewPermits(nil)
	}
	a := &App{Config: cfg, Metrics: m, Logger: logger}

	a.Embedder = NewEmbedder(cfg.Embedding, m, logger)

	store, err := semantic.New(semantic.Options{
		Addr:   cfg.Qdrant.URL,
		APIKey: cfg.Qdrant.APIKey,
		TLS:    cfg.Qdrant.TLS || cfg.Qdrant.Cloud(),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: vector store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	if cfg.GraphEnabled() {
		a.connectGraph(ctx)
	}
	if cfg.NATSURL != "" {
		a.connectNATS()
	}
	return a, nil
}

// NewEmbedder builds the rate-gated, circuit-broken embedding client for cfg,
// with a query cache when one is configured. Breaker transitions are
// reported to m.
func NewEmbedder(cfg config.Embedding, m *metrics.Permits, logger *slog.Logger) *embedding.Client {
	var p embedding.Provider
	switch cfg.Provider {
	case config.ProviderOllama:
		p = embedding.NewOllama(cfg.BaseURL, cfg.Model)
	default:
		p = embedding.NewOpenAI(embedding.OpenAIOpts{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimension,
		})
	}

	opts := resilience.BreakerOpts{Name: "embedding"}
	if m != nil {
		opts.OnStateChange = m.BreakerChanged
	}
	return embedding.New(p, embedding.Options{
		Dimension: cfg.Dimension,
		Gate:      resilience.NewGate(cfg.RPM),
		Breaker:   resilience.NewBreaker(opts),
		Cache:     embedding.NewCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second),
		Logger:    logger,
	})
}

func (a *App) connectGraph(ctx context.Context) {
	cfg := a.Config.Neo4j
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.User, cfg.Pass, ""))
	if err != nil {
		a.Logger.Warn("permit graph disabled", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		a.Logger.Warn("permit graph disabled: neo4j unreachable", "url", cfg.URL, "err", err)
		_ = driver.Close(context.Background())
		return
	}
	g := graph.New(driver, cfg.Database, a.Logger)
	if err := g.EnsureSchema(ctx); err != nil {
		a.Logger.Warn("graph schema", "err", err)
	}
	a.Graph = g
	a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
	a.Logger.Info("permit graph connected", "url", cfg.URL)
}

func (a *App) connectNATS() {
	nc, err := nats.Connect(a.Config.NATSURL, nats.Name("permit-search"), nats.Timeout(connectTimeout))
	if err != nil {
		a.Logger.Warn("nats disabled", "url", a.Config.NATSURL, "err", err)
		return
	}
	a.NATS = nc
	a.closers = append(a.closers, nc.Close)
	a.Logger.Info("nats connected", "url", a.Config.NATSURL)
}

// Search returns the query service over the index named in the config.
func (a *App) Search() *search.Service {
	var rel search.Graph
	if a.Graph != nil {
		rel = a.Graph
	}
	opts := search.DefaultOptions()
	opts.Index = a.Config.Qdrant.Index
	return search.New(a.Embedder, a.Store, rel, opts, a.Logger)
}

// Indexer returns the ingestion pipeline. Runs are counted in Metrics and
// projected into the graph when it is connected.
func (a *App) Indexer() *ingest.Indexer {
	deps := ingest.Deps{
		Embedder: a.Embedder,
		Store:    a.Store,
		Logger:   a.Logger,
		OnIndexed: func(index string, st ingest.PipelineStats) {
			a.Metrics.Indexed(index, st.IndexingStats.Indexed, st.EmbeddingStats.FailedEmbeddings)
		},
	}
	if a.Graph != nil {
		deps.Graph = a.Graph
	}
	return ingest.NewIndexer(deps)
}

// Normalizer returns a normalizer tagging records with the default source.
func (a *App) Normalizer() *normalize.Normalizer {
	return normalize.New(normalize.Options{}, a.Logger)
}

// QueryLog opens the query log, fanning entries out over NATS when
// connected.
func (a *App) QueryLog() (*querylog.Logger, error) {
	opts := []querylog.Option{
		querylog.WithLogger(a.Logger),
		querylog.WithErrorHook(func(error) { a.Metrics.QueryLogFailed() }),
	}
	if a.NATS != nil {
		opts = append(opts, querylog.WithPublisher(querylog.NewNATSPublisher(a.NATS, "")))
	}
	return querylog.New(a.Config.QueryLogPath, opts...)
}

// Loader returns a dataset loader for the configured endpoint.
func Loader(cfg config.Config, logger *slog.Logger) (*loader.Loader, error) {
	return loader.New(loader.Options{BaseURL: cfg.Dataset.APIURL, Logger: logger})
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
