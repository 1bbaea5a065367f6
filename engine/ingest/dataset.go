package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/constructiq/permit-search/engine/domain"
)

// ErrDatasetFormat is returned when a dataset file is neither a JSON array
// of records nor an object with a "records" array.
var ErrDatasetFormat = errors.New("ingest: unrecognised dataset format")

// LoadDataset reads normalized records from path. It accepts a bare JSON
// array or an object wrapping the array under "records". An empty dataset is
// an error.
func LoadDataset(path string) ([]domain.NormalizedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read dataset: %w", err)
	}
	recs, err := decodeDataset(data)
	if err != nil {
		return nil, fmt.Errorf("ingest: %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("ingest: %s: %w", path, domain.ErrEmptyDataset)
	}
	return recs, nil
}

func decodeDataset(data []byte) ([]domain.NormalizedRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var recs []domain.NormalizedRecord
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, err
		}
	case '{':
		var wrapped struct {
			Records *[]domain.NormalizedRecord `json:"records"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Records == nil {
			return nil, ErrDatasetFormat
		}
		recs = *wrapped.Records
	default:
		return nil, ErrDatasetFormat
	}
	return recs, nil
}

// SaveDataset writes records as an indented JSON array, creating parent
// directories as needed.
func SaveDataset(path string, recs []domain.NormalizedRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ingest: save dataset: %w", err)
	}
	if recs == nil {
		recs = []domain.NormalizedRecord{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("ingest: encode dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ingest: save dataset: %w", err)
	}
	return nil
}
