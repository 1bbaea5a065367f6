package graph

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/constructiq/permit-search/pkg/repo"
)

func newPermitRepo(driver neo4j.DriverWithContext, database string) *repo.Neo4jRepo[Permit, string] {
	return repo.NewNeo4jRepo[Permit, string](driver, repo.Node[Permit]{
		Label:      "Permit",
		Database:   database,
		ToProps:    permitToMap,
		FromRecord: permitFromRecord,
	})
}

func permitToMap(p Permit) map[string]any {
	m := map[string]any{
		"id":            p.ID,
		"permit_number": p.PermitNumber,
		"permit_type":   p.PermitType,
		"status":        p.Status,
		"address":       p.Address,
		"project_id":    p.ProjectID,
		"master_permit": p.MasterPermitNumber,
		"contractor":    p.Contractor,
		"trade":         p.ContractorTrade,
	}
	if p.CalendarYear != 0 {
		m["calendar_year"] = p.CalendarYear
	}
	return m
}

func permitFromRecord(rec *neo4j.Record) (Permit, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Permit{}, err
	}
	return permitFromProps(node.Props), nil
}

func permitFromProps(props map[string]any) Permit {
	p := Permit{
		ID:                 strProp(props, "id"),
		PermitNumber:       strProp(props, "permit_number"),
		PermitType:         strProp(props, "permit_type"),
		Status:             strProp(props, "status"),
		Address:            strProp(props, "address"),
		ProjectID:          strProp(props, "project_id"),
		MasterPermitNumber: strProp(props, "master_permit"),
		Contractor:         strProp(props, "contractor"),
		ContractorTrade:    strProp(props, "trade"),
	}
	if y, ok := props["calendar_year"].(int64); ok {
		p.CalendarYear = y
	}
	return p
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}
