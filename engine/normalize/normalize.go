// Package normalize maps raw open-data permit rows onto the canonical
// NormalizedRecord, coercing types and scoring record quality.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/constructiq/permit-search/engine/domain"
)

// DefaultDataSource is recorded in metadata.data_source.
const DefaultDataSource = "Austin Texas Government API"

// ErrEmptyRecord is returned for a nil or empty raw record.
var ErrEmptyRecord = errors.New("normalize: empty record")

// Options configures a Normalizer.
type Options struct {
	DataSource string
}

// Normalizer converts raw rows into canonical records.
type Normalizer struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Normalizer.
func New(opts Options, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DataSource == "" {
		opts.DataSource = DefaultDataSource
	}
	return &Normalizer{opts: opts, logger: logger, now: time.Now}
}

// NormalizeAll normalizes every record, logging and skipping the ones that fail.
func (n *Normalizer) NormalizeAll(raws []domain.RawRecord) []domain.NormalizedRecord {
	out := make([]domain.NormalizedRecord, 0, len(raws))
	for i, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			n.logger.Error("normalize record failed", "index", i, "err", err)
			continue
		}
		out = append(out, rec)
		if (i+1)%100 == 0 {
			n.logger.Info("normalized records", "count", i+1)
		}
	}
	n.logger.Info("normalization complete", "input", len(raws), "output", len(out))
	return out
}

// Normalize maps a single raw record. A panic inside a coercion is reported
// as an error so one malformed row cannot take down a batch.
func (n *Normalizer) Normalize(raw domain.RawRecord) (rec domain.NormalizedRecord, err error) {
	if len(raw) == 0 {
		return rec, ErrEmptyRecord
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalize: %v", r)
		}
	}()

	for _, rule := range fieldRules {
		v, src := lookup(raw, rule.sources)
		if v == nil {
			continue
		}
		n.apply(&rec, rule, src, v)
	}

	rec.Location.Address = resolveAddress(rec.Location)
	rec.Metadata = domain.RecordMetadata{
		RawFieldCount:       len(raw),
		ProcessingTimestamp: n.now().UTC(),
		DataSource:          n.opts.DataSource,
		RecordID:            RecordID(rec, raw),
	}
	rec.Validation = Validate(rec)
	return rec, nil
}

func (n *Normalizer) apply(rec *domain.NormalizedRecord, rule fieldRule, src string, v any) {
	switch p := rule.field(rec).(type) {
	case **string:
		if rule.link {
			*p = parseLink(v)
		} else {
			*p = parseString(v)
		}
	case **float64:
		*p = parseFloat(v)
	case **int64:
		*p = parseInt(v)
	case **bool:
		*p = parseBool(v)
	case **time.Time:
		t, ok := parseDate(v)
		if !ok {
			n.logger.Warn("could not parse date", "field", src, "value", fmt.Sprint(v))
			return
		}
		*p = t
	default:
		panic(fmt.Sprintf("unsupported target for %s", rule.target))
	}
}

// lookup returns the first non-empty value among the source aliases.
func lookup(raw domain.RawRecord, sources []string) (any, string) {
	for _, s := range sources {
		v, ok := raw[s]
		if !ok || v == nil {
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			continue
		}
		return v, s
	}
	return nil, ""
}

// resolveAddress falls back to the original street address, then to a
// "city, state zip" line when the record has no street address at all.
func resolveAddress(l domain.Location) *string {
	if l.Address != nil {
		return l.Address
	}
	if l.OriginalAddress != nil {
		return l.OriginalAddress
	}
	if l.City != nil && l.State != nil && l.ZipCode != nil {
		s := fmt.Sprintf("%s, %s %s", *l.City, *l.State, *l.ZipCode)
		return &s
	}
	return nil
}

// RecordID is <permit_number>_<project_id> when both are present, otherwise a
// content hash of the raw record.
func RecordID(rec domain.NormalizedRecord, raw domain.RawRecord) string {
	pn, pid := rec.PermitInfo.PermitNumber, rec.Project.ProjectID
	if pn != nil && pid != nil {
		return *pn + "_" + *pid
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(raw)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(raw)))
	}
	sum := sha256.Sum256(data)
	return "record_" + hex.EncodeToString(sum[:])[:16]
}

func parseString(v any) *string {
	var s string
	switch tv := v.(type) {
	case string:
		s = strings.TrimSpace(tv)
	case json.Number:
		s = tv.String()
	case float64:
		s = strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(tv)
	default:
		s = strings.TrimSpace(fmt.Sprint(tv))
	}
	if s == "" {
		return nil
	}
	return &s
}

func parseLink(v any) *string {
	if m, ok := v.(map[string]any); ok {
		u, ok := m["url"]
		if !ok || u == nil {
			return nil
		}
		return parseString(u)
	}
	return parseString(v)
}

func parseFloat(v any) *float64 {
	var f float64
	switch tv := v.(type) {
	case float64:
		f = tv
	case json.Number:
		x, err := tv.Float64()
		if err != nil {
			return nil
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return nil
		}
		f = x
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseInt goes through float so "3.0" and 3.7 are accepted; fractions truncate.
func parseInt(v any) *int64 {
	f := parseFloat(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

func parseBool(v any) *bool {
	var b bool
	switch tv := v.(type) {
	case bool:
		b = tv
	default:
		switch strings.ToLower(strings.TrimSpace(fmt.Sprint(tv))) {
		case "yes", "true", "1", "y":
			b = true
		case "no", "false", "0", "n":
			b = false
		default:
			return nil
		}
	}
	return &b
}

func parseDate(v any) (*time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	t, err := domain.ParseTimestamp(s)
	if err != nil {
		return nil, false
	}
	return &t, true
}
