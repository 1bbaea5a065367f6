// Package loader fetches raw permit rows from the Socrata open-data API and
// keeps them on disk as JSON for the normalization step.
package loader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/pkg/fn"
)

// Defaults for Fetch.
const (
	DefaultTimeout = 30 * time.Second
	DefaultLimit   = 50
)

var (
	ErrNoBaseURL = errors.New("loader: dataset URL is not configured")
	ErrNoRawData = errors.New("loader: no raw data files found")
)

// StatusError is a non-2xx response from the dataset API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loader: dataset api returned %d: %s", e.Code, e.Body)
}

// Options configures a Loader.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      *fn.RetryOpts
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Loader fetches CSV pages from the dataset endpoint.
type Loader struct {
	baseURL string
	http    *http.Client
	retry   fn.RetryOpts
	logger  *slog.Logger
}

// New creates a Loader. BaseURL is required.
func New(opts Options) (*Loader, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	retry := fn.DefaultRetry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{baseURL: opts.BaseURL, http: hc, retry: retry, logger: log}
	if l.retry.OnRetry == nil {
		l.retry.OnRetry = func(attempt int, err error) {
			l.logger.Warn("loader: fetch failed, retrying", "attempt", attempt, "err", err)
		}
	}
	return l, nil
}

func (l *Loader) pageURL(limit, offset int) string {
	sep := "?"
	if strings.Contains(l.baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s$limit=%d&$offset=%d", l.baseURL, sep, limit, offset)
}

// Fetch returns up to limit rows starting at offset. Server errors and
// network failures are retried; client errors are not.
func (l *Loader) Fetch(ctx context.Context, limit, offset int) ([]domain.RawRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	url := l.pageURL(limit, offset)
	l.logger.Info("fetching permits", "url", url)

	res := fn.Retry(ctx, l.retry, func(ctx context.Context) fn.Result[[]domain.RawRecord] {
		recs, err := l.fetchOnce(ctx, url)
		if err != nil && !retryable(err) {
			return fn.Err[[]domain.RawRecord](fn.Permanent(err))
		}
		return fn.FromPair(recs, err)
	})
	recs, err := res.Unwrap()
	if err != nil {
		return nil, err
	}
	l.logger.Info("fetched permits", "records", len(recs))
	return recs, nil
}

func (l *Loader) fetchOnce(ctx context.Context, url string) ([]domain.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("loader: build request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loader: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return ParseCSV(resp.Body)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ParseCSV reads a header row followed by data rows. Empty cells become nil.
func ParseCSV(r io.Reader) ([]domain.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []domain.RawRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loader: parse csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	recs := []domain.RawRecord{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("loader: parse csv row %d: %w", len(recs)+1, err)
		}
		rec := make(domain.RawRecord, len(header))
		for i, key := range header {
			if i >= len(row) || row[i] == "" {
				rec[key] = nil
				continue
			}
			rec[key] = row[i]
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SaveRaw writes records to dir as austin_permits_<timestamp>.json and
// returns the path.
func SaveRaw(dir string, recs []domain.RawRecord, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("loader: save raw: %w", err)
	}
	path := filepath.Join(dir, "austin_permits_"+now.Format("20060102_150405")+".json")
	if recs == nil {
		recs = []domain.RawRecord{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("loader: encode raw: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("loader: save raw: %w", err)
	}
	return path, nil
}

// LoadRaw reads a JSON array of raw records. Numbers are kept as json.Number.
func LoadRaw(path string) ([]domain.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: load raw: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var recs []domain.RawRecord
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("loader: decode %s: %w", path, err)
	}
	return recs, nil
}

// Latest returns the most recently modified .json file in dir.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return "", fmt.Errorf("loader: latest: %w", err)
	}
	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, file{m, info.ModTime()})
	}
	if len(files) == 0 {
		return "", fmt.Errorf("loader: %s: %w", dir, ErrNoRawData)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	return files[0].path, nil
}
