// Package ingest turns normalized permit records into indexed vectors. It
// loads processed datasets, synthesizes text blocks, embeds them, and
// upserts the results, either as a batch job or from a NATS subject.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/semantic"
	"github.com/constructiq/permit-search/engine/textblock"
	"github.com/constructiq/permit-search/pkg/fn"
)

// DefaultBatchSize is the upsert and embedding batch size.
const DefaultBatchSize = 100

// Embedder embeds texts in order, one result per input.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int) []fn.Result[[]float32]
	Model() string
	Dimension() int
}

// Store is the vector index the pipeline writes to.
type Store interface {
	EnsureIndex(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, name string, records []semantic.IndexedRecord, batchSize int) semantic.UpsertStats
	DescribeIndex(ctx context.Context, name string) (semantic.IndexStats, error)
}

// GraphSink receives indexed records for the permit graph.
type GraphSink interface {
	SaveBatch(ctx context.Context, recs []domain.NormalizedRecord) error
}

// Deps holds the external dependencies for the indexing pipeline.
type Deps struct {
	Embedder Embedder
	Store    Store
	Graph    GraphSink // optional
	Logger   *slog.Logger
	// OnIndexed, if set, is called after every successful run.
	OnIndexed func(index string, stats PipelineStats)
}

// PipelineSummary describes the input of one run.
type PipelineSummary struct {
	ProcessedRecords      int    `json:"processed_records"`
	RecordsWithEmbeddings int    `json:"processed_records_with_embeddings"`
	ProcessedDataPath     string `json:"processed_data_path,omitempty"`
}

// EmbeddingStats aggregates the embedding stage.
type EmbeddingStats struct {
	TotalRecords         int     `json:"total_records"`
	SuccessfulEmbeddings int     `json:"successful_embeddings"`
	FailedEmbeddings     int     `json:"failed_embeddings"`
	SuccessRate          float64 `json:"success_rate"`
	AverageTextLength    float64 `json:"average_text_length"`
	EmbeddingDimensions  int     `json:"embedding_dimensions"`
}

// PipelineStats is the report returned by IndexDataset.
type PipelineStats struct {
	PipelineSummary PipelineSummary      `json:"pipeline_summary"`
	EmbeddingStats  EmbeddingStats       `json:"embedding_stats"`
	IndexingStats   semantic.UpsertStats `json:"indexing_stats"`
	IndexStats      *semantic.IndexStats `json:"index_stats,omitempty"`
}

// prepared is a record paired with its text block and, after embedding, its
// vector. A nil vector marks a failed embedding.
type prepared struct {
	rec    domain.NormalizedRecord
	text   string
	vector []float32
}

// batch flows through the pipeline stages.
type batch struct {
	index     string
	batchSize int
	items     []prepared
	embedding EmbeddingStats
	upsert    semantic.UpsertStats
}

// Indexer runs the synthesize → embed → upsert pipeline.
type Indexer struct {
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
	pipeline fn.Stage[batch, batch]
}

// NewIndexer wires the pipeline stages.
func NewIndexer(deps Deps) *Indexer {
	ix := &Indexer{deps: deps, logger: deps.Logger, now: time.Now}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	ix.pipeline = fn.Then(
		fn.TracedStage[batch, batch]("ingest.synthesize", ix.synthesize),
		fn.Then(
			fn.TracedStage[batch, batch]("ingest.embed", ix.embed),
			fn.TracedStage[batch, batch]("ingest.upsert", ix.upsert),
		),
	)
	return ix
}

// IndexDataset loads a processed dataset from sourcePath and indexes it into
// indexName. Only an unreadable or empty dataset, or an index that cannot be
// created, is fatal; per-record failures are counted in the stats.
func (ix *Indexer) IndexDataset(ctx context.Context, sourcePath, indexName string, batchSize int) (PipelineStats, error) {
	ix.logger.Info("loading processed data", "path", sourcePath)
	recs, err := LoadDataset(sourcePath)
	if err != nil {
		return PipelineStats{}, err
	}
	ix.logger.Info("loaded processed records", "count", len(recs))

	stats, err := ix.IndexRecords(ctx, recs, indexName, batchSize)
	stats.PipelineSummary.ProcessedDataPath = sourcePath
	return stats, err
}

// IndexRecords runs the pipeline over records already in memory.
func (ix *Indexer) IndexRecords(ctx context.Context, recs []domain.NormalizedRecord, indexName string, batchSize int) (PipelineStats, error) {
	if len(recs) == 0 {
		return PipelineStats{}, fmt.Errorf("ingest: %w", domain.ErrEmptyDataset)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	items := make([]prepared, len(recs))
	for i, rec := range recs {
		if rec.Metadata.RecordID == "" {
			rec.Metadata.RecordID = "record_" + strconv.Itoa(i)
		}
		items[i] = prepared{rec: rec}
	}

	out, err := ix.pipeline(ctx, batch{index: indexName, batchSize: batchSize, items: items}).Unwrap()
	if err != nil {
		return PipelineStats{}, err
	}

	stats := PipelineStats{
		PipelineSummary: PipelineSummary{
			ProcessedRecords:      len(recs),
			RecordsWithEmbeddings: out.embedding.SuccessfulEmbeddings,
		},
		EmbeddingStats: out.embedding,
		IndexingStats:  out.upsert,
	}
	if is, err := ix.deps.Store.DescribeIndex(ctx, indexName); err != nil {
		ix.logger.Warn("ingest: describe index", "index", indexName, "err", err)
	} else {
		stats.IndexStats = &is
	}
	ix.logger.Info("pipeline completed",
		"records", len(recs),
		"embedded", out.embedding.SuccessfulEmbeddings,
		"indexed", out.upsert.Indexed,
		"failed", out.upsert.Failed,
	)
	if ix.deps.OnIndexed != nil {
		ix.deps.OnIndexed(indexName, stats)
	}
	return stats, nil
}

func (ix *Indexer) synthesize(_ context.Context, b batch) fn.Result[batch] {
	for i := range b.items {
		b.items[i].text = textblock.Synthesize(b.items[i].rec)
	}
	return fn.Ok(b)
}

func (ix *Indexer) embed(ctx context.Context, b batch) fn.Result[batch] {
	texts := fn.Map(b.items, func(p prepared) string { return p.text })
	results := ix.deps.Embedder.EmbedBatch(ctx, texts, b.batchSize)

	st := EmbeddingStats{TotalRecords: len(b.items), EmbeddingDimensions: ix.deps.Embedder.Dimension()}
	var chars int
	for i, r := range results {
		chars += utf8.RuneCountInString(b.items[i].text)
		if v, err := r.Unwrap(); err == nil {
			b.items[i].vector = v
			st.SuccessfulEmbeddings++
		}
		if (i+1)%100 == 0 {
			ix.logger.Info("embedded records", "count", i+1, "total", len(b.items))
		}
	}
	st.FailedEmbeddings = st.TotalRecords - st.SuccessfulEmbeddings
	if st.TotalRecords > 0 {
		st.SuccessRate = float64(st.SuccessfulEmbeddings) / float64(st.TotalRecords)
		st.AverageTextLength = float64(chars) / float64(st.TotalRecords)
	}
	if err := ctx.Err(); err != nil {
		return fn.Err[batch](fmt.Errorf("ingest: embed: %w", err))
	}
	b.embedding = st
	ix.logger.Info("embedding statistics",
		"total", st.TotalRecords, "successful", st.SuccessfulEmbeddings, "failed", st.FailedEmbeddings)
	return fn.Ok(b)
}

func (ix *Indexer) upsert(ctx context.Context, b batch) fn.Result[batch] {
	if err := ix.deps.Store.EnsureIndex(ctx, b.index, ix.deps.Embedder.Dimension()); err != nil {
		return fn.Err[batch](fmt.Errorf("ingest: ensure index %s: %w", b.index, err))
	}

	model := ix.deps.Embedder.Model()
	indexedAt := ix.now().UTC()
	records := make([]semantic.IndexedRecord, len(b.items))
	for i, p := range b.items {
		records[i] = semantic.IndexedRecord{
			RecordID: p.rec.RecordID(),
			Vector:   p.vector,
			Metadata: domain.NewMetadata(p.rec, p.text, model, indexedAt),
		}
	}
	b.upsert = ix.deps.Store.Upsert(ctx, b.index, records, b.batchSize)

	if ix.deps.Graph != nil {
		embedded := fn.FilterMap(b.items, func(p prepared) (domain.NormalizedRecord, bool) {
			return p.rec, p.vector != nil
		})
		if err := ix.deps.Graph.SaveBatch(ctx, embedded); err != nil {
			ix.logger.Warn("ingest: graph projection failed", "err", err, "records", len(embedded))
		}
	}
	return fn.Ok(b)
}
