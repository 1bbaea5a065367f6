// Package querylog records every search as one JSON line in an append-only
// file and can fan entries out over NATS.
package querylog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
)

// DefaultPath is where entries go when no path is configured.
const DefaultPath = "logs/search_queries.jsonl"

// maxLineBytes bounds a single entry when reading the file back.
const maxLineBytes = 1 << 20

// ResultSummary is the slice of a search hit kept in the log.
type ResultSummary struct {
	RecordID           string   `json:"record_id"`
	SimilarityScore    float32  `json:"similarity_score"`
	PermitNumber       string   `json:"permit_number"`
	Address            string   `json:"address"`
	PermitType         string   `json:"permit_type"`
	Status             string   `json:"status"`
	TotalJobValuation  *float64 `json:"total_job_valuation"`
	CalendarYearIssued *int64   `json:"calendar_year_issued"`
}

// Entry is one logged search.
type Entry struct {
	Timestamp    time.Time       `json:"timestamp"`
	QueryText    string          `json:"query_text"`
	Filters      map[string]any  `json:"filters"`
	TopResults   []ResultSummary `json:"top_results"`
	TotalResults int             `json:"total_results"`
	SearchTimeMS float64         `json:"search_time_ms"`
	UserAgent    string          `json:"user_agent,omitempty"`
	ClientIP     string          `json:"client_ip,omitempty"`
}

// Summarize reduces search results to their logged form.
func Summarize(results []domain.SearchResult) []ResultSummary {
	out := make([]ResultSummary, len(results))
	for i, r := range results {
		m := r.Metadata
		out[i] = ResultSummary{
			RecordID:           r.RecordID,
			SimilarityScore:    r.SimilarityScore,
			PermitNumber:       deref(m.PermitNumber),
			Address:            deref(m.Address),
			PermitType:         deref(m.PermitType),
			Status:             deref(m.Status),
			TotalJobValuation:  m.TotalJobValuation,
			CalendarYearIssued: m.CalendarYearIssued,
		}
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Publisher receives each entry after it is written.
type Publisher interface {
	PublishEntry(ctx context.Context, e Entry) error
}

// Logger appends entries to a file. It is safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	path      string
	publisher Publisher
	logger    *slog.Logger
	onError   func(error)
	now       func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithPublisher fans entries out to p.
func WithPublisher(p Publisher) Option { return func(l *Logger) { l.publisher = p } }

// WithLogger sets the logger used for write failures.
func WithLogger(log *slog.Logger) Option { return func(l *Logger) { l.logger = log } }

// WithErrorHook calls f after every failed append.
func WithErrorHook(f func(error)) Option { return func(l *Logger) { l.onError = f } }

// New creates a Logger writing to path, creating its directory.
func New(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}
	l := &Logger{path: path, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("querylog: create dir: %w", err)
	}
	return l, nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// Log stamps and appends e, returning the stored entry. A write failure is
// logged and never returned, so searches never fail because of the log.
func (l *Logger) Log(ctx context.Context, e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Filters == nil {
		e.Filters = map[string]any{}
	}
	if e.TopResults == nil {
		e.TopResults = []ResultSummary{}
	}
	e.TotalResults = len(e.TopResults)

	if err := l.append(e); err != nil {
		l.logger.Error("querylog: write failed", "path", l.path, "err", err)
		if l.onError != nil {
			l.onError(err)
		}
		return e
	}
	l.logger.Info("logged query", "query", truncate(e.QueryText, 50), "results", e.TotalResults)

	if l.publisher != nil {
		if err := l.publisher.PublishEntry(ctx, e); err != nil {
			l.logger.Warn("querylog: publish failed", "err", err)
		}
	}
	return e
}

func (l *Logger) append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Recent returns up to limit of the newest entries in file order, so the
// most recent entry is last. Malformed and oversized lines are skipped with a
// warning. A missing file yields no entries.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = domain.DefaultLogLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querylog: open: %w", err)
	}
	defer f.Close()

	// Ring of the last limit entries.
	ring := make([]Entry, 0, limit)
	start := 0
	r := bufio.NewReaderSize(f, 64*1024)
	var buf []byte
	lineNo := 0
	for {
		raw, oversized, err := nextLine(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("querylog: read: %w", err)
		}
		buf = raw
		lineNo++
		if oversized {
			l.logger.Warn("querylog: skipping oversized line", "line", lineNo, "max_bytes", maxLineBytes)
			continue
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.logger.Warn("querylog: skipping malformed line", "line", lineNo, "err", err)
			continue
		}
		if len(ring) < limit {
			ring = append(ring, e)
		} else {
			ring[start] = e
			start = (start + 1) % limit
		}
	}
	return append(ring[start:len(ring):len(ring)], ring[:start]...), nil
}

// nextLine reads one line into buf. A line longer than maxLineBytes is
// consumed and reported as oversized with no content. io.EOF is returned
// only once no bytes remain.
func nextLine(r *bufio.Reader, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized && len(buf)+len(chunk) > maxLineBytes {
			oversized, buf = true, buf[:0]
		}
		if !oversized {
			buf = append(buf, chunk...)
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(buf) > 0 || oversized):
			return buf, oversized, nil
		}
		return buf, oversized, err
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
