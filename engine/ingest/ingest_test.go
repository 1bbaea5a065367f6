package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/engine/semantic"
	"github.com/constructiq/permit-search/pkg/fn"
)

type mockEmbedder struct {
	mu    sync.Mutex
	texts []string
	fail  func(text string) bool
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string, _ int) []fn.Result[[]float32] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, texts...)
	out := make([]fn.Result[[]float32], len(texts))
	for i, t := range texts {
		if m.fail != nil && m.fail(t) {
			out[i] = fn.Err[[]float32](errors.New("rate limited"))
			continue
		}
		out[i] = fn.Ok([]float32{0.1, 0.2, 0.3})
	}
	return out
}

func (m *mockEmbedder) Model() string  { return "test-model" }
func (m *mockEmbedder) Dimension() int { return 3 }

type mockStore struct {
	mu          sync.Mutex
	ensureErr   error
	describeErr error
	ensured     []int
	upserted    []semantic.IndexedRecord
	batchSize   int
}

func (m *mockStore) EnsureIndex(_ context.Context, _ string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, dim)
	return m.ensureErr
}

func (m *mockStore) Upsert(_ context.Context, _ string, recs []semantic.IndexedRecord, batchSize int) semantic.UpsertStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, recs...)
	m.batchSize = batchSize
	valid := 0
	for _, r := range recs {
		if r.Vector != nil {
			valid++
		}
	}
	st := semantic.UpsertStats{Total: len(recs), Valid: valid, Indexed: valid}
	if valid > 0 {
		st.SuccessRate = 1
	}
	return st
}

func (m *mockStore) DescribeIndex(context.Context, string) (semantic.IndexStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return semantic.IndexStats{Name: "permits", VectorCount: uint64(len(m.upserted)), Dimension: 3}, m.describeErr
}

func (m *mockStore) records() []semantic.IndexedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]semantic.IndexedRecord(nil), m.upserted...)
}

func (m *mockStore) ensureCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ensured)
}

type mockGraph struct {
	saved []domain.NormalizedRecord
	err   error
}

func (m *mockGraph) SaveBatch(_ context.Context, recs []domain.NormalizedRecord) error {
	m.saved = append(m.saved, recs...)
	return m.err
}

func ptr[T any](v T) *T { return &v }

func permit(id, number, description string) domain.NormalizedRecord {
	var rec domain.NormalizedRecord
	rec.Metadata.RecordID = id
	rec.PermitInfo.PermitNumber = ptr(number)
	rec.PermitInfo.PermitType = ptr("Electrical")
	rec.Project.Description = ptr(description)
	rec.Location.Address = ptr("100 CONGRESS AVE")
	rec.Validation.IsValid = true
	return rec
}

func writeDataset(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permits.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDatasetFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr error
	}{
		{"array", `[{"metadata":{"record_id":"a"}},{"metadata":{"record_id":"b"}}]`, 2, nil},
		{"wrapped", `{"records":[{"metadata":{"record_id":"a"}}],"summary":{}}`, 1, nil},
		{"empty array", `[]`, 0, domain.ErrEmptyDataset},
		{"empty file", ``, 0, domain.ErrEmptyDataset},
		{"object without records", `{"data":[]}`, 0, ErrDatasetFormat},
		{"scalar", `42`, 0, ErrDatasetFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := LoadDataset(writeDataset(t, tt.content))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != tt.want {
				t.Fatalf("got %d records, want %d", len(recs), tt.want)
			}
		})
	}
}

func TestLoadDatasetErrors(t *testing.T) {
	if _, err := LoadDataset(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := LoadDataset(writeDataset(t, `[{"metadata":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestSaveDatasetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed", "normalized.json")
	in := []domain.NormalizedRecord{permit("a", "2024-001", "new service"), permit("b", "2024-002", "panel upgrade")}
	if err := SaveDataset(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[1].RecordID() != "b" || *out[0].PermitInfo.PermitNumber != "2024-001" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestIndexDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normalized.json")
	recs := []domain.NormalizedRecord{
		permit("a", "2024-001", "solar panel installation"),
		permit("b", "2024-002", "FAIL this one"),
		permit("", "2024-003", "service upgrade"),
	}
	if err := SaveDataset(path, recs); err != nil {
		t.Fatal(err)
	}

	emb := &mockEmbedder{fail: func(text string) bool { return strings.Contains(text, "fail this one") }}
	store := &mockStore{}
	graph := &mockGraph{}
	var hooked []string
	ix := NewIndexer(Deps{Embedder: emb, Store: store, Graph: graph, OnIndexed: func(index string, st PipelineStats) {
		hooked = append(hooked, index)
	}})
	fixed := time.Date(2025, 7, 23, 13, 24, 11, 0, time.UTC)
	ix.now = func() time.Time { return fixed }

	stats, err := ix.IndexDataset(context.Background(), path, "permits", 2)
	if err != nil {
		t.Fatal(err)
	}

	if stats.PipelineSummary.ProcessedRecords != 3 || stats.PipelineSummary.RecordsWithEmbeddings != 2 {
		t.Fatalf("summary = %+v", stats.PipelineSummary)
	}
	if len(hooked) != 1 || hooked[0] != "permits" {
		t.Fatalf("OnIndexed calls = %v", hooked)
	}
	if stats.PipelineSummary.ProcessedDataPath != path {
		t.Fatalf("path = %q", stats.PipelineSummary.ProcessedDataPath)
	}
	es := stats.EmbeddingStats
	if es.TotalRecords != 3 || es.SuccessfulEmbeddings != 2 || es.FailedEmbeddings != 1 || es.EmbeddingDimensions != 3 {
		t.Fatalf("embedding stats = %+v", es)
	}
	if es.SuccessRate < 0.66 || es.SuccessRate > 0.67 || es.AverageTextLength <= 0 {
		t.Fatalf("embedding rates = %+v", es)
	}
	if stats.IndexingStats.Total != 3 || stats.IndexingStats.Indexed != 2 {
		t.Fatalf("indexing stats = %+v", stats.IndexingStats)
	}
	if stats.IndexStats == nil || stats.IndexStats.VectorCount != 3 {
		t.Fatalf("index stats = %+v", stats.IndexStats)
	}

	if len(store.ensured) != 1 || store.ensured[0] != 3 || store.batchSize != 2 {
		t.Fatalf("ensure=%v batch=%d", store.ensured, store.batchSize)
	}
	if store.upserted[2].RecordID != "record_2" {
		t.Fatalf("missing id not backfilled: %q", store.upserted[2].RecordID)
	}
	md := store.upserted[0].Metadata
	if md.EmbeddingModel == nil || *md.EmbeddingModel != "test-model" || md.IndexedAt == nil || !md.IndexedAt.Equal(fixed) {
		t.Fatalf("metadata provenance = %+v", md)
	}
	if md.TextBlock == nil || !strings.Contains(*md.TextBlock, "solar panel installation") {
		t.Fatalf("text block not carried into metadata: %v", md.TextBlock)
	}
	if len(graph.saved) != 2 {
		t.Fatalf("graph should receive only embedded records, got %d", len(graph.saved))
	}
}

func TestIndexRecordsFailures(t *testing.T) {
	ctx := context.Background()

	ix := NewIndexer(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{}})
	if _, err := ix.IndexRecords(ctx, nil, "permits", 10); !errors.Is(err, domain.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}

	denied := errors.New("permission denied")
	store := &mockStore{ensureErr: denied}
	ix = NewIndexer(Deps{Embedder: &mockEmbedder{}, Store: store})
	if _, err := ix.IndexRecords(ctx, []domain.NormalizedRecord{permit("a", "1", "x")}, "permits", 10); !errors.Is(err, denied) {
		t.Fatalf("expected ensure error, got %v", err)
	}
	if len(store.upserted) != 0 {
		t.Fatal("nothing should be upserted when the index cannot be ensured")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	ix = NewIndexer(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{}})
	if _, err := ix.IndexRecords(cctx, []domain.NormalizedRecord{permit("a", "1", "x")}, "permits", 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIndexRecordsDegradedDependencies(t *testing.T) {
	store := &mockStore{describeErr: errors.New("describe failed")}
	graph := &mockGraph{err: errors.New("neo4j down")}
	ix := NewIndexer(Deps{Embedder: &mockEmbedder{}, Store: store, Graph: graph})

	stats, err := ix.IndexRecords(context.Background(), []domain.NormalizedRecord{permit("a", "1", "x")}, "permits", 0)
	if err != nil {
		t.Fatalf("graph and describe failures must not fail the run: %v", err)
	}
	if stats.IndexStats != nil {
		t.Fatal("index stats should be absent when describe fails")
	}
	if store.batchSize != DefaultBatchSize {
		t.Fatalf("batch size = %d", store.batchSize)
	}
}
