package normalize

import "github.com/constructiq/permit-search/engine/domain"

// fieldRule maps source field names (first present alias wins) to a
// canonical field. field returns a pointer to the target so apply can coerce
// by the target's type.
type fieldRule struct {
	sources []string
	target  string
	link    bool
	field   func(*domain.NormalizedRecord) any
}

func src(names ...string) []string { return names }

var fieldRules = []fieldRule{
	// permit_info
	{sources: src("permit_number", "permit_num"), target: "permit_info.permit_number", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.PermitNumber }},
	{sources: src("permit_type", "permittype"), target: "permit_info.permit_type", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.PermitType }},
	{sources: src("permit_type_desc"), target: "permit_info.permit_type_description", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.PermitTypeDescription }},
	{sources: src("permit_class_mapped"), target: "permit_info.permit_class", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.PermitClass }},
	{sources: src("permit_class"), target: "permit_info.permit_class_original", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.PermitClassOriginal }},
	{sources: src("work_class"), target: "permit_info.work_class", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.WorkClass }},
	{sources: src("status_current"), target: "permit_info.status", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.Status }},
	{sources: src("statusdate"), target: "permit_info.status_date", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.StatusDate }},
	{sources: src("issue_method"), target: "permit_info.issue_method", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.IssueMethod }},
	{sources: src("issued_in_last_30_days"), target: "permit_info.recently_issued", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.RecentlyIssued }},
	{sources: src("condominium"), target: "permit_info.condominium", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.Condominium }},
	{sources: src("certificate_of_occupancy"), target: "permit_info.certificate_of_occupancy", field: func(r *domain.NormalizedRecord) any { return &r.PermitInfo.CertificateOfOccupancy }},

	// location
	{sources: src("permit_location"), target: "location.address", field: func(r *domain.NormalizedRecord) any { return &r.Location.Address }},
	{sources: src("original_address1"), target: "location.original_address", field: func(r *domain.NormalizedRecord) any { return &r.Location.OriginalAddress }},
	{sources: src("original_city"), target: "location.city", field: func(r *domain.NormalizedRecord) any { return &r.Location.City }},
	{sources: src("original_state"), target: "location.state", field: func(r *domain.NormalizedRecord) any { return &r.Location.State }},
	{sources: src("original_zip"), target: "location.zip_code", field: func(r *domain.NormalizedRecord) any { return &r.Location.ZipCode }},
	{sources: src("latitude"), target: "location.latitude", field: func(r *domain.NormalizedRecord) any { return &r.Location.Latitude }},
	{sources: src("longitude"), target: "location.longitude", field: func(r *domain.NormalizedRecord) any { return &r.Location.Longitude }},
	{sources: src("tcad_id"), target: "location.property_id", field: func(r *domain.NormalizedRecord) any { return &r.Location.PropertyID }},
	{sources: src("legal_description"), target: "location.legal_description", field: func(r *domain.NormalizedRecord) any { return &r.Location.LegalDescription }},
	{sources: src("council_district"), target: "location.council_district", field: func(r *domain.NormalizedRecord) any { return &r.Location.CouncilDistrict }},
	{sources: src("jurisdiction"), target: "location.jurisdiction", field: func(r *domain.NormalizedRecord) any { return &r.Location.Jurisdiction }},
	{sources: src("location"), target: "location.location_coordinates", field: func(r *domain.NormalizedRecord) any { return &r.Location.LocationCoordinates }},
	{sources: src("total_lot_sq_ft"), target: "location.total_lot_sqft", field: func(r *domain.NormalizedRecord) any { return &r.Location.TotalLotSqft }},

	// dates
	{sources: src("applieddate"), target: "dates.applied_date", field: func(r *domain.NormalizedRecord) any { return &r.Dates.AppliedDate }},
	{sources: src("issue_date", "issued_date"), target: "dates.issue_date", field: func(r *domain.NormalizedRecord) any { return &r.Dates.IssueDate }},
	{sources: src("day_issued"), target: "dates.day_issued", field: func(r *domain.NormalizedRecord) any { return &r.Dates.DayIssued }},
	{sources: src("calendar_year_issued"), target: "dates.calendar_year", field: func(r *domain.NormalizedRecord) any { return &r.Dates.CalendarYear }},
	{sources: src("fiscal_year_issued"), target: "dates.fiscal_year", field: func(r *domain.NormalizedRecord) any { return &r.Dates.FiscalYear }},
	{sources: src("expiresdate"), target: "dates.expires_date", field: func(r *domain.NormalizedRecord) any { return &r.Dates.ExpiresDate }},
	{sources: src("completed_date"), target: "dates.completed_date", field: func(r *domain.NormalizedRecord) any { return &r.Dates.CompletedDate }},

	// project
	{sources: src("description"), target: "project.description", field: func(r *domain.NormalizedRecord) any { return &r.Project.Description }},
	{sources: src("project_id"), target: "project.project_id", field: func(r *domain.NormalizedRecord) any { return &r.Project.ProjectID }},
	{sources: src("masterpermitnum"), target: "project.master_permit_number", field: func(r *domain.NormalizedRecord) any { return &r.Project.MasterPermitNumber }},
	{sources: src("link"), target: "project.permit_link", link: true, field: func(r *domain.NormalizedRecord) any { return &r.Project.PermitLink }},

	// valuation
	{sources: src("total_existing_bldg_sqft"), target: "valuation.total_existing_building_sqft", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.TotalExistingBuildingSqft }},
	{sources: src("remodel_repair_sqft"), target: "valuation.remodel_repair_sqft", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.RemodelRepairSqft }},
	{sources: src("total_new_add_sqft"), target: "valuation.total_new_addition_sqft", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.TotalNewAdditionSqft }},
	{sources: src("total_valuation_remodel"), target: "valuation.total_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.TotalValuationRemodel }},
	{sources: src("total_job_valuation"), target: "valuation.total_job_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.TotalJobValuation }},
	{sources: src("number_of_floors"), target: "valuation.number_of_floors", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.NumberOfFloors }},
	{sources: src("housing_units"), target: "valuation.housing_units", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.HousingUnits }},
	{sources: src("building_valuation"), target: "valuation.building_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.BuildingValuation }},
	{sources: src("building_valuation_remodel"), target: "valuation.building_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.BuildingValuationRemodel }},
	{sources: src("electrical_valuation"), target: "valuation.electrical_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.ElectricalValuation }},
	{sources: src("electrical_valuation_remodel"), target: "valuation.electrical_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.ElectricalValuationRemodel }},
	{sources: src("mechanical_valuation"), target: "valuation.mechanical_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.MechanicalValuation }},
	{sources: src("mechanical_valuation_remodel"), target: "valuation.mechanical_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.MechanicalValuationRemodel }},
	{sources: src("plumbing_valuation"), target: "valuation.plumbing_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.PlumbingValuation }},
	{sources: src("plumbing_valuation_remodel"), target: "valuation.plumbing_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.PlumbingValuationRemodel }},
	{sources: src("medgas_valuation"), target: "valuation.medgas_valuation", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.MedgasValuation }},
	{sources: src("medgas_valuation_remodel"), target: "valuation.medgas_valuation_remodel", field: func(r *domain.NormalizedRecord) any { return &r.Valuation.MedgasValuationRemodel }},

	// contractor
	{sources: src("contractor_trade"), target: "contractor.contractor_trade", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.Trade }},
	{sources: src("contractor_company_name"), target: "contractor.contractor_company_name", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.CompanyName }},
	{sources: src("contractor_full_name"), target: "contractor.contractor_full_name", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.FullName }},
	{sources: src("contractor_phone"), target: "contractor.contractor_phone", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.Phone }},
	{sources: src("contractor_address1"), target: "contractor.contractor_address1", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.Address1 }},
	{sources: src("contractor_address2"), target: "contractor.contractor_address2", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.Address2 }},
	{sources: src("contractor_city"), target: "contractor.contractor_city", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.City }},
	{sources: src("contractor_zip"), target: "contractor.contractor_zip", field: func(r *domain.NormalizedRecord) any { return &r.Contractor.Zip }},

	// applicant
	{sources: src("applicant_full_name"), target: "applicant.applicant_full_name", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.FullName }},
	{sources: src("applicant_org"), target: "applicant.applicant_organization", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.Organization }},
	{sources: src("applicant_phone"), target: "applicant.applicant_phone", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.Phone }},
	{sources: src("applicant_address1"), target: "applicant.applicant_address1", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.Address1 }},
	{sources: src("applicant_address2"), target: "applicant.applicant_address2", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.Address2 }},
	{sources: src("applicant_city"), target: "applicant.applicant_city", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.City }},
	{sources: src("applicantzip"), target: "applicant.applicant_zip", field: func(r *domain.NormalizedRecord) any { return &r.Applicant.Zip }},

	// geographic
	{sources: src(":@computed_region_8spj_utxs"), target: "geographic.region_8spj_utxs", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.Region8spjUtxs }},
	{sources: src(":@computed_region_q9nd_rr82"), target: "geographic.region_q9nd_rr82", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionQ9ndRr82 }},
	{sources: src(":@computed_region_e9j2_6w3z"), target: "geographic.region_e9j2_6w3z", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionE9j26w3z }},
	{sources: src(":@computed_region_m2th_e4b7"), target: "geographic.region_m2th_e4b7", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionM2thE4b7 }},
	{sources: src(":@computed_region_rxpj_nzrk"), target: "geographic.region_rxpj_nzrk", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionRxpjNzrk }},
	{sources: src(":@computed_region_a3it_2a2z"), target: "geographic.region_a3it_2a2z", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionA3it2a2z }},
	{sources: src(":@computed_region_qwte_z96m"), target: "geographic.region_qwte_z96m", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionQwteZ96m }},
	{sources: src(":@computed_region_i2aj_cj5t"), target: "geographic.region_i2aj_cj5t", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionI2ajCj5t }},
	{sources: src(":@computed_region_xzeg_zdjk"), target: "geographic.region_xzeg_zdjk", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.RegionXzegZdjk }},
	{sources: src(":@computed_region_6gig_z43c"), target: "geographic.region_6gig_z43c", field: func(r *domain.NormalizedRecord) any { return &r.Geographic.Region6gigZ43c }},
}
