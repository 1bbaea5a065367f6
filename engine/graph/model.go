// Package graph projects indexed permits into a Neo4j graph so that permits
// sharing a project, a master permit or a contractor can be found together.
package graph

import "github.com/constructiq/permit-search/engine/domain"

// Permit is the graph node for one indexed record.
type Permit struct {
	ID                 string `json:"record_id"`
	PermitNumber       string `json:"permit_number,omitempty"`
	PermitType         string `json:"permit_type,omitempty"`
	Status             string `json:"status,omitempty"`
	Address            string `json:"address,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
	MasterPermitNumber string `json:"master_permit_number,omitempty"`
	Contractor         string `json:"contractor_company,omitempty"`
	ContractorTrade    string `json:"contractor_trade,omitempty"`
	CalendarYear       int64  `json:"calendar_year_issued,omitempty"`
}

// Link kinds reported by Related.
const (
	LinkProject      = "project"
	LinkMasterPermit = "master_permit"
	LinkContractor   = "contractor"
)

// RelatedPermit is a permit reached through one or more shared links.
type RelatedPermit struct {
	Permit
	Via []string `json:"via"`
}

// PermitFromRecord projects a normalized record onto a graph node.
func PermitFromRecord(rec domain.NormalizedRecord) Permit {
	p := Permit{
		ID:                 rec.RecordID(),
		PermitNumber:       str(rec.PermitInfo.PermitNumber),
		PermitType:         str(rec.PermitInfo.PermitType),
		Status:             str(rec.PermitInfo.Status),
		Address:            str(rec.Location.Address),
		ProjectID:          str(rec.Project.ProjectID),
		MasterPermitNumber: str(rec.Project.MasterPermitNumber),
		Contractor:         str(rec.Contractor.CompanyName),
		ContractorTrade:    str(rec.Contractor.Trade),
	}
	if p.Address == "" {
		p.Address = str(rec.Location.OriginalAddress)
	}
	if rec.Dates.CalendarYear != nil {
		p.CalendarYear = *rec.Dates.CalendarYear
	}
	return p
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
