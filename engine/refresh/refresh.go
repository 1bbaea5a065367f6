// Package refresh keeps the permit index current: it fetches raw rows from
// the open-data API, normalizes them and indexes the result, either once or
// on a cron schedule.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/ingest"
	"github.com/constructiq/permit-search/engine/loader"
	"github.com/constructiq/permit-search/engine/normalize"
)

// Fetcher returns one page of raw rows.
type Fetcher interface {
	Fetch(ctx context.Context, limit, offset int) ([]domain.RawRecord, error)
}

// Normalizer converts raw rows, dropping the ones that fail.
type Normalizer interface {
	NormalizeAll(raws []domain.RawRecord) []domain.NormalizedRecord
}

// Indexer indexes a processed dataset file.
type Indexer interface {
	IndexDataset(ctx context.Context, sourcePath, indexName string, batchSize int) (ingest.PipelineStats, error)
}

// Options configures a Pipeline.
type Options struct {
	RawDir       string
	ProcessedDir string
	Index        string
	Limit        int
	BatchSize    int
}

// Pipeline runs fetch → process → index over the data directories.
type Pipeline struct {
	fetch  Fetcher
	norm   Normalizer
	index  Indexer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline. idx may be nil when only fetch and process are
// used.
func New(f Fetcher, n Normalizer, idx Indexer, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RawDir == "" {
		opts.RawDir = "data/raw"
	}
	if opts.ProcessedDir == "" {
		opts.ProcessedDir = "data/processed"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = ingest.DefaultBatchSize
	}
	return &Pipeline{fetch: f, norm: n, index: idx, opts: opts, logger: logger, now: time.Now}
}

// FetchResult describes one saved page of raw rows.
type FetchResult struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
}

// Fetch downloads a page and saves it to the raw directory.
func (p *Pipeline) Fetch(ctx context.Context, limit, offset int) (FetchResult, error) {
	if limit <= 0 {
		limit = p.opts.Limit
	}
	recs, err := p.fetch.Fetch(ctx, limit, offset)
	if err != nil {
		return FetchResult{}, fmt.Errorf("refresh: fetch: %w", err)
	}
	if len(recs) == 0 {
		return FetchResult{}, fmt.Errorf("refresh: fetch: %w", domain.ErrEmptyDataset)
	}
	path, err := loader.SaveRaw(p.opts.RawDir, recs, p.now())
	if err != nil {
		return FetchResult{}, err
	}
	p.logger.Info("saved raw permits", "path", path, "records", len(recs))
	return FetchResult{Path: path, Records: len(recs)}, nil
}

// ProcessResult describes one normalized dataset.
type ProcessResult struct {
	Source  string            `json:"source"`
	Path    string            `json:"path"`
	Summary normalize.Summary `json:"summary"`
}

// Process normalizes rawPath, or the newest raw file when rawPath is empty,
// and saves normalized_permits_<timestamp>.json.
func (p *Pipeline) Process(rawPath string) (ProcessResult, error) {
	if rawPath == "" {
		latest, err := loader.Latest(p.opts.RawDir)
		if err != nil {
			return ProcessResult{}, err
		}
		rawPath = latest
	}
	raws, err := loader.LoadRaw(rawPath)
	if err != nil {
		return ProcessResult{}, err
	}
	recs := p.norm.NormalizeAll(raws)
	if len(recs) == 0 {
		return ProcessResult{}, fmt.Errorf("refresh: process %s: %w", rawPath, domain.ErrEmptyDataset)
	}

	out := filepath.Join(p.opts.ProcessedDir, "normalized_permits_"+p.now().Format("20060102_150405")+".json")
	if err := ingest.SaveDataset(out, recs); err != nil {
		return ProcessResult{}, err
	}
	sum := normalize.Summarize(recs)
	p.logger.Info("saved normalized permits",
		"source", rawPath,
		"path", out,
		"records", len(recs),
		"dropped", len(raws)-len(recs),
		"average_quality", sum.QualityMetrics.AverageQualityScore,
	)
	return ProcessResult{Source: rawPath, Path: out, Summary: sum}, nil
}

// Index indexes processedPath, or the newest processed file when empty.
func (p *Pipeline) Index(ctx context.Context, processedPath string) (ingest.PipelineStats, error) {
	if p.index == nil {
		return ingest.PipelineStats{}, fmt.Errorf("refresh: no indexer configured")
	}
	if processedPath == "" {
		latest, err := loader.Latest(p.opts.ProcessedDir)
		if err != nil {
			return ingest.PipelineStats{}, err
		}
		processedPath = latest
	}
	return p.index.IndexDataset(ctx, processedPath, p.opts.Index, p.opts.BatchSize)
}

// Report is the outcome of a full Run.
type Report struct {
	Fetch   FetchResult          `json:"fetch"`
	Process ProcessResult        `json:"process"`
	Index   ingest.PipelineStats `json:"index"`
}

// Run fetches the first Limit rows, processes them and indexes the result.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var r Report
	var err error
	if r.Fetch, err = p.Fetch(ctx, p.opts.Limit, 0); err != nil {
		return r, err
	}
	if r.Process, err = p.Process(r.Fetch.Path); err != nil {
		return r, err
	}
	if r.Index, err = p.Index(ctx, r.Process.Path); err != nil {
		return r, err
	}
	return r, nil
}
