package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldKind is the storage type of a metadata field.
type FieldKind int

const (
	KindKeyword FieldKind = iota
	KindInteger
	KindFloat
	KindBool
	KindDatetime
)

func (k FieldKind) String() string {
	switch k {
	case KindKeyword:
		return "keyword"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDatetime:
		return "datetime"
	default:
		return "unknown"
	}
}

// FieldSpec describes one metadata field stored alongside a vector.
type FieldSpec struct {
	Name       string
	Kind       FieldKind
	Filterable bool
}

// MetadataFields is the catalog of metadata fields, in storage order. It must
// match the json tags of Metadata.
var MetadataFields = []FieldSpec{
	{"record_id", KindKeyword, true},
	{"permit_number", KindKeyword, true},
	{"project_id", KindKeyword, true},
	{"master_permit_number", KindKeyword, true},
	{"permit_type", KindKeyword, true},
	{"permit_type_description", KindKeyword, true},
	{"permit_class", KindKeyword, true},
	{"work_class", KindKeyword, true},
	{"status", KindKeyword, true},
	{"issue_method", KindKeyword, true},
	{"address", KindKeyword, true},
	{"original_address", KindKeyword, true},
	{"city", KindKeyword, true},
	{"state", KindKeyword, true},
	{"zip_code", KindKeyword, true},
	{"council_district", KindInteger, true},
	{"jurisdiction", KindKeyword, true},
	{"latitude", KindFloat, true},
	{"longitude", KindFloat, true},
	{"applied_date", KindDatetime, true},
	{"issue_date", KindDatetime, true},
	{"expires_date", KindDatetime, true},
	{"completed_date", KindDatetime, true},
	{"calendar_year_issued", KindInteger, true},
	{"fiscal_year_issued", KindInteger, true},
	{"day_issued", KindKeyword, true},
	{"total_job_valuation", KindFloat, true},
	{"total_new_addition_sqft", KindFloat, true},
	{"total_existing_building_sqft", KindFloat, true},
	{"remodel_repair_sqft", KindFloat, true},
	{"number_of_floors", KindInteger, true},
	{"housing_units", KindInteger, true},
	{"contractor_company", KindKeyword, true},
	{"contractor_trade", KindKeyword, true},
	{"applicant_name", KindKeyword, true},
	{"applicant_organization", KindKeyword, true},
	{"project_description", KindKeyword, false},
	{"condominium", KindBool, true},
	{"certificate_of_occupancy", KindBool, true},
	{"recently_issued", KindBool, true},
	{"text_block", KindKeyword, false},
	{"indexed_at", KindDatetime, true},
	{"embedding_model", KindKeyword, true},
}

var fieldIndex = func() map[string]FieldSpec {
	m := make(map[string]FieldSpec, len(MetadataFields))
	for _, f := range MetadataFields {
		m[f.Name] = f
	}
	return m
}()

// LookupField returns the catalog entry for name.
func LookupField(name string) (FieldSpec, bool) {
	f, ok := fieldIndex[name]
	return f, ok
}

// Metadata is the flat, null-stripped attribute set stored with each vector.
// Fields outside the catalog land in Extra.
type Metadata struct {
	RecordID                  string     `json:"record_id,omitempty"`
	PermitNumber              *string    `json:"permit_number,omitempty"`
	ProjectID                 *string    `json:"project_id,omitempty"`
	MasterPermitNumber        *string    `json:"master_permit_number,omitempty"`
	PermitType                *string    `json:"permit_type,omitempty"`
	PermitTypeDescription     *string    `json:"permit_type_description,omitempty"`
	PermitClass               *string    `json:"permit_class,omitempty"`
	WorkClass                 *string    `json:"work_class,omitempty"`
	Status                    *string    `json:"status,omitempty"`
	IssueMethod               *string    `json:"issue_method,omitempty"`
	Address                   *string    `json:"address,omitempty"`
	OriginalAddress           *string    `json:"original_address,omitempty"`
	City                      *string    `json:"city,omitempty"`
	State                     *string    `json:"state,omitempty"`
	ZipCode                   *string    `json:"zip_code,omitempty"`
	CouncilDistrict           *int64     `json:"council_district,omitempty"`
	Jurisdiction              *string    `json:"jurisdiction,omitempty"`
	Latitude                  *float64   `json:"latitude,omitempty"`
	Longitude                 *float64   `json:"longitude,omitempty"`
	AppliedDate               *time.Time `json:"applied_date,omitempty"`
	IssueDate                 *time.Time `json:"issue_date,omitempty"`
	ExpiresDate               *time.Time `json:"expires_date,omitempty"`
	CompletedDate             *time.Time `json:"completed_date,omitempty"`
	CalendarYearIssued        *int64     `json:"calendar_year_issued,omitempty"`
	FiscalYearIssued          *int64     `json:"fiscal_year_issued,omitempty"`
	DayIssued                 *string    `json:"day_issued,omitempty"`
	TotalJobValuation         *float64   `json:"total_job_valuation,omitempty"`
	TotalNewAdditionSqft      *float64   `json:"total_new_addition_sqft,omitempty"`
	TotalExistingBuildingSqft *float64   `json:"total_existing_building_sqft,omitempty"`
	RemodelRepairSqft         *float64   `json:"remodel_repair_sqft,omitempty"`
	NumberOfFloors            *int64     `json:"number_of_floors,omitempty"`
	HousingUnits              *int64     `json:"housing_units,omitempty"`
	ContractorCompany         *string    `json:"contractor_company,omitempty"`
	ContractorTrade           *string    `json:"contractor_trade,omitempty"`
	ApplicantName             *string    `json:"applicant_name,omitempty"`
	ApplicantOrganization     *string    `json:"applicant_organization,omitempty"`
	ProjectDescription        *string    `json:"project_description,omitempty"`
	Condominium               *bool      `json:"condominium,omitempty"`
	CertificateOfOccupancy    *bool      `json:"certificate_of_occupancy,omitempty"`
	RecentlyIssued            *bool      `json:"recently_issued,omitempty"`
	TextBlock                 *string    `json:"text_block,omitempty"`
	IndexedAt                 *time.Time `json:"indexed_at,omitempty"`
	EmbeddingModel            *string    `json:"embedding_model,omitempty"`

	Extra map[string]any `json:"-"`
}

// NewMetadata projects a normalized record onto the stored metadata fields.
func NewMetadata(rec NormalizedRecord, textBlock, model string, indexedAt time.Time) Metadata {
	p, l, d, v := rec.PermitInfo, rec.Location, rec.Dates, rec.Valuation
	m := Metadata{
		RecordID:                  rec.RecordID(),
		PermitNumber:              p.PermitNumber,
		ProjectID:                 rec.Project.ProjectID,
		MasterPermitNumber:        rec.Project.MasterPermitNumber,
		PermitType:                p.PermitType,
		PermitTypeDescription:     p.PermitTypeDescription,
		PermitClass:               p.PermitClass,
		WorkClass:                 p.WorkClass,
		Status:                    p.Status,
		IssueMethod:               p.IssueMethod,
		Address:                   l.Address,
		OriginalAddress:           l.OriginalAddress,
		City:                      l.City,
		State:                     l.State,
		ZipCode:                   l.ZipCode,
		CouncilDistrict:           l.CouncilDistrict,
		Jurisdiction:              l.Jurisdiction,
		Latitude:                  l.Latitude,
		Longitude:                 l.Longitude,
		AppliedDate:               d.AppliedDate,
		IssueDate:                 d.IssueDate,
		ExpiresDate:               d.ExpiresDate,
		CompletedDate:             d.CompletedDate,
		CalendarYearIssued:        d.CalendarYear,
		FiscalYearIssued:          d.FiscalYear,
		DayIssued:                 d.DayIssued,
		TotalJobValuation:         v.TotalJobValuation,
		TotalNewAdditionSqft:      v.TotalNewAdditionSqft,
		TotalExistingBuildingSqft: v.TotalExistingBuildingSqft,
		RemodelRepairSqft:         v.RemodelRepairSqft,
		NumberOfFloors:            v.NumberOfFloors,
		HousingUnits:              v.HousingUnits,
		ContractorCompany:         rec.Contractor.CompanyName,
		ContractorTrade:           rec.Contractor.Trade,
		ApplicantName:             rec.Applicant.FullName,
		ApplicantOrganization:     rec.Applicant.Organization,
		ProjectDescription:        rec.Project.Description,
		Condominium:               p.Condominium,
		CertificateOfOccupancy:    p.CertificateOfOccupancy,
		RecentlyIssued:            p.RecentlyIssued,
	}
	if textBlock != "" {
		m.TextBlock = &textBlock
	}
	if model != "" {
		m.EmbeddingModel = &model
	}
	if !indexedAt.IsZero() {
		ts := indexedAt.UTC()
		m.IndexedAt = &ts
	}
	return m
}

// Fields returns the non-null metadata values keyed by field name. Catalog
// fields carry their kind's Go type: string, int64, float64, bool or
// time.Time.
func (m Metadata) Fields() (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("domain: encode metadata: %w", err)
	}
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("domain: decode metadata: %w", err)
	}
	out := make(map[string]any, len(raw)+len(m.Extra))
	for k, v := range m.Extra {
		if v != nil {
			out[k] = v
		}
	}
	for k, v := range raw {
		spec, _ := LookupField(k)
		cv, err := CoerceValue(spec.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("domain: field %s: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// MetadataFromFields rebuilds Metadata from stored values. Values that do not
// fit their catalog kind, and unknown fields, are kept in Extra.
func MetadataFromFields(fields map[string]any) Metadata {
	known := make(map[string]any, len(fields))
	var m Metadata
	for k, v := range fields {
		if v == nil {
			continue
		}
		spec, ok := LookupField(k)
		if !ok {
			m.setExtra(k, v)
			continue
		}
		cv, err := CoerceValue(spec.Kind, v)
		if err != nil {
			m.setExtra(k, v)
			continue
		}
		if t, ok := cv.(time.Time); ok {
			cv = t.Format(time.RFC3339Nano)
		}
		known[k] = cv
	}
	data, err := json.Marshal(known)
	if err == nil {
		// Kinds were checked above so this cannot fail on well-typed input.
		_ = json.Unmarshal(data, &m)
	}
	return m
}

func (m *Metadata) setExtra(k string, v any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[k] = v
}

// CoerceValue converts v to the Go type used for kind. Integers accept whole
// floats and numeric strings; datetimes accept RFC 3339 and date-only strings.
func CoerceValue(kind FieldKind, v any) (any, error) {
	switch kind {
	case KindKeyword:
		switch tv := v.(type) {
		case string:
			return tv, nil
		case json.Number:
			return tv.String(), nil
		case bool, float64, int64, int:
			return fmt.Sprint(tv), nil
		}
	case KindInteger:
		switch tv := v.(type) {
		case int64:
			return tv, nil
		case int:
			return int64(tv), nil
		case float64:
			if tv == math.Trunc(tv) {
				return int64(tv), nil
			}
		case json.Number:
			if n, err := tv.Int64(); err == nil {
				return n, nil
			}
			if f, err := tv.Float64(); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64); err == nil {
				return n, nil
			}
		}
	case KindFloat:
		switch tv := v.(type) {
		case float64:
			return tv, nil
		case int64:
			return float64(tv), nil
		case int:
			return float64(tv), nil
		case json.Number:
			if f, err := tv.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64); err == nil {
				return f, nil
			}
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindDatetime:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC(), nil
		case string:
			if t, err := ParseTimestamp(tv); err == nil {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %v is not a %s", ErrFilterValue, v, kind)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the date and date+time forms published by the data
// source. Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("domain: unrecognised timestamp %q", s)
}

// SearchResult is one ranked match. It serializes as a flat object with
// record_id and similarity_score always present and absent metadata omitted.
type SearchResult struct {
	RecordID        string
	SimilarityScore float32
	Metadata        Metadata
}

func (r SearchResult) MarshalJSON() ([]byte, error) {
	out, err := r.Metadata.Fields()
	if err != nil {
		return nil, err
	}
	for k, v := range out {
		if t, ok := v.(time.Time); ok {
			out[k] = t.Format(time.RFC3339)
		}
	}
	out["record_id"] = r.RecordID
	out["similarity_score"] = r.SimilarityScore
	return json.Marshal(out)
}
