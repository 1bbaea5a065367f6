// Package domain defines the permit record model, the searchable metadata
// catalog, and validation for the search pipeline. It acts as the validation
// gate at the API boundary and at pipeline entry points.
package domain

import "time"

// RawRecord is a single row as delivered by the open-data source. Values are
// scalars (string, float64, json.Number, bool, nil); "link" may also be an
// object carrying a "url" member.
type RawRecord map[string]any

// NormalizedRecord is the canonical nested permit record. Every field is
// serialized, null when the source did not supply a usable value.
type NormalizedRecord struct {
	PermitInfo PermitInfo     `json:"permit_info"`
	Location   Location       `json:"location"`
	Dates      Dates          `json:"dates"`
	Project    Project        `json:"project"`
	Valuation  Valuation      `json:"valuation"`
	Contractor Contractor     `json:"contractor"`
	Applicant  Applicant      `json:"applicant"`
	Geographic Geographic     `json:"geographic"`
	Metadata   RecordMetadata `json:"metadata"`
	Validation Validation     `json:"validation"`
}

// RecordID returns the record's stable identifier.
func (r NormalizedRecord) RecordID() string { return r.Metadata.RecordID }

type PermitInfo struct {
	PermitNumber           *string    `json:"permit_number"`
	PermitType             *string    `json:"permit_type"`
	PermitTypeDescription  *string    `json:"permit_type_description"`
	PermitClass            *string    `json:"permit_class"`
	PermitClassOriginal    *string    `json:"permit_class_original"`
	WorkClass              *string    `json:"work_class"`
	Status                 *string    `json:"status"`
	StatusDate             *time.Time `json:"status_date"`
	IssueMethod            *string    `json:"issue_method"`
	RecentlyIssued         *bool      `json:"recently_issued"`
	Condominium            *bool      `json:"condominium"`
	CertificateOfOccupancy *bool      `json:"certificate_of_occupancy"`
}

type Location struct {
	Address             *string  `json:"address"`
	OriginalAddress     *string  `json:"original_address"`
	City                *string  `json:"city"`
	State               *string  `json:"state"`
	ZipCode             *string  `json:"zip_code"`
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	PropertyID          *string  `json:"property_id"`
	LegalDescription    *string  `json:"legal_description"`
	CouncilDistrict     *int64   `json:"council_district"`
	Jurisdiction        *string  `json:"jurisdiction"`
	LocationCoordinates *string  `json:"location_coordinates"`
	TotalLotSqft        *float64 `json:"total_lot_sqft"`
}

type Dates struct {
	AppliedDate   *time.Time `json:"applied_date"`
	IssueDate     *time.Time `json:"issue_date"`
	DayIssued     *string    `json:"day_issued"`
	CalendarYear  *int64     `json:"calendar_year"`
	FiscalYear    *int64     `json:"fiscal_year"`
	ExpiresDate   *time.Time `json:"expires_date"`
	CompletedDate *time.Time `json:"completed_date"`
}

type Project struct {
	Description        *string `json:"description"`
	ProjectID          *string `json:"project_id"`
	MasterPermitNumber *string `json:"master_permit_number"`
	PermitLink         *string `json:"permit_link"`
}

type Valuation struct {
	TotalExistingBuildingSqft  *float64 `json:"total_existing_building_sqft"`
	RemodelRepairSqft          *float64 `json:"remodel_repair_sqft"`
	TotalNewAdditionSqft       *float64 `json:"total_new_addition_sqft"`
	TotalValuationRemodel      *float64 `json:"total_valuation_remodel"`
	TotalJobValuation          *float64 `json:"total_job_valuation"`
	NumberOfFloors             *int64   `json:"number_of_floors"`
	HousingUnits               *int64   `json:"housing_units"`
	BuildingValuation          *float64 `json:"building_valuation"`
	BuildingValuationRemodel   *float64 `json:"building_valuation_remodel"`
	ElectricalValuation        *float64 `json:"electrical_valuation"`
	ElectricalValuationRemodel *float64 `json:"electrical_valuation_remodel"`
	MechanicalValuation        *float64 `json:"mechanical_valuation"`
	MechanicalValuationRemodel *float64 `json:"mechanical_valuation_remodel"`
	PlumbingValuation          *float64 `json:"plumbing_valuation"`
	PlumbingValuationRemodel   *float64 `json:"plumbing_valuation_remodel"`
	MedgasValuation            *float64 `json:"medgas_valuation"`
	MedgasValuationRemodel     *float64 `json:"medgas_valuation_remodel"`
}

// TradeValuation pairs a trade with its base and remodel valuation.
type TradeValuation struct {
	Trade   string
	Base    *float64
	Remodel *float64
}

// Trades returns the five trade-specific valuations in display order.
func (v Valuation) Trades() []TradeValuation {
	return []TradeValuation{
		{"building", v.BuildingValuation, v.BuildingValuationRemodel},
		{"electrical", v.ElectricalValuation, v.ElectricalValuationRemodel},
		{"mechanical", v.MechanicalValuation, v.MechanicalValuationRemodel},
		{"plumbing", v.PlumbingValuation, v.PlumbingValuationRemodel},
		{"medgas", v.MedgasValuation, v.MedgasValuationRemodel},
	}
}

type Contractor struct {
	Trade       *string `json:"contractor_trade"`
	CompanyName *string `json:"contractor_company_name"`
	FullName    *string `json:"contractor_full_name"`
	Phone       *string `json:"contractor_phone"`
	Address1    *string `json:"contractor_address1"`
	Address2    *string `json:"contractor_address2"`
	City        *string `json:"contractor_city"`
	Zip         *string `json:"contractor_zip"`
}

type Applicant struct {
	FullName     *string `json:"applicant_full_name"`
	Organization *string `json:"applicant_organization"`
	Phone        *string `json:"applicant_phone"`
	Address1     *string `json:"applicant_address1"`
	Address2     *string `json:"applicant_address2"`
	City         *string `json:"applicant_city"`
	Zip          *string `json:"applicant_zip"`
}

// Geographic holds the Socrata computed-region identifiers.
type Geographic struct {
	Region8spjUtxs *int64 `json:"region_8spj_utxs"`
	RegionQ9ndRr82 *int64 `json:"region_q9nd_rr82"`
	RegionE9j26w3z *int64 `json:"region_e9j2_6w3z"`
	RegionM2thE4b7 *int64 `json:"region_m2th_e4b7"`
	RegionRxpjNzrk *int64 `json:"region_rxpj_nzrk"`
	RegionA3it2a2z *int64 `json:"region_a3it_2a2z"`
	RegionQwteZ96m *int64 `json:"region_qwte_z96m"`
	RegionI2ajCj5t *int64 `json:"region_i2aj_cj5t"`
	RegionXzegZdjk *int64 `json:"region_xzeg_zdjk"`
	Region6gigZ43c *int64 `json:"region_6gig_z43c"`
}

// RecordMetadata describes where and when a record was normalized.
type RecordMetadata struct {
	RawFieldCount       int       `json:"raw_field_count"`
	ProcessingTimestamp time.Time `json:"processing_timestamp"`
	DataSource          string    `json:"data_source"`
	RecordID            string    `json:"record_id"`
}

// Validation is the per-record quality assessment.
type Validation struct {
	IsValid               bool     `json:"is_valid"`
	MissingRequiredFields []string `json:"missing_required_fields"`
	QualityScore          float64  `json:"quality_score"`
	Issues                []string `json:"issues"`
}
