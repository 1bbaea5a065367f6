package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/constructiq/permit-search/engine/domain"
)

type required struct {
	name    string
	present func(domain.NormalizedRecord) bool
}

func str(p *string) bool { return p != nil && *p != "" }

// requiredFields are the fields a record needs to count as valid.
var requiredFields = []required{
	{"permit_info.permit_number", func(r domain.NormalizedRecord) bool { return str(r.PermitInfo.PermitNumber) }},
	{"permit_info.permit_type", func(r domain.NormalizedRecord) bool { return str(r.PermitInfo.PermitType) }},
	{"location.address", func(r domain.NormalizedRecord) bool { return str(r.Location.Address) }},
	{"location.city", func(r domain.NormalizedRecord) bool { return str(r.Location.City) }},
	{"location.state", func(r domain.NormalizedRecord) bool { return str(r.Location.State) }},
	{"location.zip_code", func(r domain.NormalizedRecord) bool { return str(r.Location.ZipCode) }},
	{"dates.applied_date", func(r domain.NormalizedRecord) bool { return r.Dates.AppliedDate != nil }},
	{"dates.issue_date", func(r domain.NormalizedRecord) bool { return r.Dates.IssueDate != nil }},
	{"permit_info.status", func(r domain.NormalizedRecord) bool { return str(r.PermitInfo.Status) }},
}

// Validate scores a record: the score drops by 1/9 per missing required
// field and by a further 10% for out-of-range coordinates.
func Validate(rec domain.NormalizedRecord) domain.Validation {
	v := domain.Validation{
		IsValid:               true,
		MissingRequiredFields: []string{},
		QualityScore:          1.0,
		Issues:                []string{},
	}

	for _, f := range requiredFields {
		if !f.present(rec) {
			v.MissingRequiredFields = append(v.MissingRequiredFields, f.name)
		}
	}
	if missing := len(v.MissingRequiredFields); missing > 0 {
		v.IsValid = false
		v.QualityScore = max(0, 1-float64(missing)/float64(len(requiredFields)))
		v.Issues = append(v.Issues, fmt.Sprintf("Missing %d required fields", missing))
	}

	lat, lon := rec.Location.Latitude, rec.Location.Longitude
	if lat != nil && lon != nil {
		if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
			v.Issues = append(v.Issues, "Invalid coordinates")
			v.QualityScore *= 0.9
		}
	}
	return v
}

// QualityMetrics aggregates validation outcomes.
type QualityMetrics struct {
	ValidRecords        int     `json:"valid_records"`
	InvalidRecords      int     `json:"invalid_records"`
	AverageQualityScore float64 `json:"average_quality_score"`
}

// Summary describes a normalized dataset.
type Summary struct {
	TotalRecords   int                       `json:"total_records"`
	SchemaSections []string                  `json:"schema_sections"`
	FieldCounts    map[string]map[string]int `json:"field_counts"`
	QualityMetrics QualityMetrics            `json:"quality_metrics"`
}

var schemaSections = []string{
	"permit_info", "location", "dates", "project", "valuation",
	"contractor", "applicant", "geographic", "metadata", "validation",
}

// Summarize counts, per section, how many records carry a non-null value for
// each field, alongside validity totals.
func Summarize(records []domain.NormalizedRecord) Summary {
	s := Summary{
		TotalRecords:   len(records),
		SchemaSections: schemaSections,
		FieldCounts:    make(map[string]map[string]int, len(schemaSections)),
	}
	if len(records) == 0 {
		return s
	}

	var total float64
	for _, rec := range records {
		if rec.Validation.IsValid {
			s.QualityMetrics.ValidRecords++
		} else {
			s.QualityMetrics.InvalidRecords++
		}
		total += rec.Validation.QualityScore

		sections, err := sectionValues(rec)
		if err != nil {
			continue
		}
		for section, fields := range sections {
			counts := s.FieldCounts[section]
			if counts == nil {
				counts = make(map[string]int, len(fields))
				s.FieldCounts[section] = counts
			}
			for name, val := range fields {
				if val != nil {
					counts[name]++
				}
			}
		}
	}
	s.QualityMetrics.AverageQualityScore = total / float64(len(records))
	return s
}

func sectionValues(rec domain.NormalizedRecord) (map[string]map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out map[string]map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
