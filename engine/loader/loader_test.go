package loader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/pkg/fn"
)

const sampleCSV = `permit_number,permit_type_desc,description,total_job_valuation
2024-001 BP,Building Permit,New pool,25000
2024-002 EP,Electrical Permit,,
`

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}

func newTestLoader(t *testing.T, url string) *Loader {
	t.Helper()
	l, err := New(Options{BaseURL: url, Retry: &fastRetry})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("expected ErrNoBaseURL, got %v", err)
	}
}

func TestFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	recs, err := newTestLoader(t, srv.URL+"/resource/3syk-w9eu.csv").Fetch(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotQuery != "$limit=2&$offset=10" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0]["permit_number"] != "2024-001 BP" || recs[0]["total_job_valuation"] != "25000" {
		t.Fatalf("unexpected first record: %v", recs[0])
	}
	if v, ok := recs[1]["description"]; !ok || v != nil {
		t.Fatalf("empty cell should be a nil value, got %v (present=%v)", v, ok)
	}
}

func TestFetchDefaultsAndExistingQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("a\n"))
	}))
	defer srv.Close()

	recs, err := newTestLoader(t, srv.URL+"/data?$order=issue_date").Fetch(context.Background(), 0, -4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("header-only body should yield no records, got %v", recs)
	}
	if gotQuery != "$order=issue_date&$limit=50&$offset=0" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	recs, err := newTestLoader(t, srv.URL).Fetch(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, calls=%d records=%d", calls.Load(), len(recs))
	}
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad soql", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestLoader(t, srv.URL).Fetch(context.Background(), 2, 0)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if !strings.Contains(se.Error(), "bad soql") {
		t.Fatalf("error should carry the body, got %q", se.Error())
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, calls=%d", calls.Load())
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"empty body", "", 0},
		{"short row", "a,b,c\n1\n", 1},
		{"quoted comma", "a,b\n\"x, y\",2\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseCSV(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("ParseCSV: %v", err)
			}
			if len(recs) != tt.want {
				t.Fatalf("expected %d records, got %d", tt.want, len(recs))
			}
		})
	}

	recs, _ := ParseCSV(strings.NewReader("a,b,c\n1\n"))
	if recs[0]["a"] != "1" || recs[0]["b"] != nil || recs[0]["c"] != nil {
		t.Fatalf("missing cells should be nil, got %v", recs[0])
	}
}

func TestSaveAndLoadRaw(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "raw")
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	recs := []domain.RawRecord{{"permit_number": "2024-001 BP", "total_job_valuation": 1500.5}}

	path, err := SaveRaw(dir, recs, now)
	if err != nil {
		t.Fatalf("SaveRaw: %v", err)
	}
	if filepath.Base(path) != "austin_permits_20240309_140507.json" {
		t.Fatalf("unexpected file name %s", path)
	}

	got, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if len(got) != 1 || got[0]["permit_number"] != "2024-001 BP" {
		t.Fatalf("unexpected records: %v", got)
	}
	if n, ok := got[0]["total_job_valuation"].(json.Number); !ok || n.String() != "1500.5" {
		t.Fatalf("numbers should load as json.Number, got %T %v", got[0]["total_job_valuation"], got[0]["total_job_valuation"])
	}
}

func TestLoadRawErrors(t *testing.T) {
	if _, err := LoadRaw(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRaw(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if _, err := Latest(dir); !errors.Is(err, ErrNoRawData) {
		t.Fatalf("expected ErrNoRawData, got %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"b.json", "a.json", "c.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("[]"), 0o644); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	got, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if filepath.Base(got) != "a.json" {
		t.Fatalf("expected the newest json file, got %s", got)
	}
}
