package semantic

import "github.com/constructiq/permit-search/engine/domain"

// IndexedRecord is one permit ready to be written to the index.
type IndexedRecord struct {
	RecordID string
	Vector   []float32
	Metadata domain.Metadata
}

// UpsertStats summarizes a batched upsert. SuccessRate is Indexed/Valid in
// [0,1].
type UpsertStats struct {
	Total       int     `json:"total_records"`
	Valid       int     `json:"valid_records"`
	Indexed     int     `json:"indexed_records"`
	Failed      int     `json:"failed_records"`
	SuccessRate float64 `json:"success_rate"`
}

// IndexStats describes a collection. Qdrant has no namespaces or fullness;
// the default namespace carries the point count and fullness is always 0.
type IndexStats struct {
	Name        string           `json:"index_name"`
	VectorCount uint64           `json:"total_vector_count"`
	Dimension   uint64           `json:"dimension"`
	Fullness    float64          `json:"index_fullness"`
	Namespaces  map[string]int64 `json:"namespaces"`
	Status      string           `json:"status,omitempty"`
}
