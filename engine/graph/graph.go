package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/pkg/repo"
)

// DefaultRelatedLimit bounds Related when the caller passes no limit.
const DefaultRelatedLimit = 10

// ErrPermitNotFound is returned for lookups of a record that was never projected.
var ErrPermitNotFound = errors.New("graph: permit not found")

// relationship type -> link kind
var linkKinds = map[string]string{
	"PART_OF":      LinkProject,
	"UNDER_MASTER": LinkMasterPermit,
	"BUILT_BY":     LinkContractor,
}

var schemaStatements = []string{
	`CREATE CONSTRAINT permit_id IF NOT EXISTS FOR (p:Permit) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT project_id IF NOT EXISTS FOR (p:Project) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT master_permit_number IF NOT EXISTS FOR (m:MasterPermit) REQUIRE m.number IS UNIQUE`,
	`CREATE CONSTRAINT contractor_name IF NOT EXISTS FOR (c:Contractor) REQUIRE c.name IS UNIQUE`,
}

// GraphStore writes permits and their links, and answers related-permit lookups.
type GraphStore struct {
	opener  SessionOpener
	permits repo.Repository[Permit, string]
	logger  *slog.Logger
}

// New creates a GraphStore backed by a Neo4j driver. An empty database uses
// the server default.
func New(driver neo4j.DriverWithContext, database string, logger *slog.Logger) *GraphStore {
	g := NewWithOpener(driverOpener{driver: driver, database: database}, logger)
	g.permits = newPermitRepo(driver, database)
	return g
}

// NewWithOpener creates a GraphStore over an arbitrary session opener. Node
// lookups by id go through the opener as well.
func NewWithOpener(opener SessionOpener, logger *slog.Logger) *GraphStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphStore{opener: opener, logger: logger}
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, stmt := range schemaStatements {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graph: ensure schema: %w", err)
		}
	}
	return nil
}

// SavePermit projects one record. It is idempotent.
func (g *GraphStore) SavePermit(ctx context.Context, rec domain.NormalizedRecord) error {
	return g.SaveBatch(ctx, []domain.NormalizedRecord{rec})
}

// SaveBatch projects records in one write transaction. Records without an id
// are skipped.
func (g *GraphStore) SaveBatch(ctx context.Context, recs []domain.NormalizedRecord) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		for _, rec := range recs {
			p := PermitFromRecord(rec)
			if p.ID == "" {
				g.logger.Warn("graph: skipping record without id")
				continue
			}
			if err := savePermit(ctx, tx, p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: save %d permits: %w", len(recs), err)
	}
	return nil
}

func savePermit(ctx context.Context, tx CypherRunner, p Permit) error {
	params := map[string]any{"id": p.ID, "props": permitToMap(p)}
	if _, err := tx.Run(ctx, `MERGE (p:Permit {id: $id}) SET p += $props`, params); err != nil {
		return err
	}
	if p.ProjectID != "" {
		cypher := `MATCH (p:Permit {id: $id})
			MERGE (pr:Project {id: $project})
			MERGE (p)-[:PART_OF]->(pr)`
		if _, err := tx.Run(ctx, cypher, map[string]any{"id": p.ID, "project": p.ProjectID}); err != nil {
			return err
		}
	}
	if p.MasterPermitNumber != "" && p.MasterPermitNumber != p.PermitNumber {
		cypher := `MATCH (p:Permit {id: $id})
			MERGE (m:MasterPermit {number: $master})
			MERGE (p)-[:UNDER_MASTER]->(m)`
		if _, err := tx.Run(ctx, cypher, map[string]any{"id": p.ID, "master": p.MasterPermitNumber}); err != nil {
			return err
		}
	}
	if p.Contractor != "" {
		cypher := `MATCH (p:Permit {id: $id})
			MERGE (c:Contractor {name: $name})
			SET c.trade = coalesce($trade, c.trade)
			MERGE (p)-[:BUILT_BY]->(c)`
		var trade any
		if p.ContractorTrade != "" {
			trade = p.ContractorTrade
		}
		if _, err := tx.Run(ctx, cypher, map[string]any{"id": p.ID, "name": p.Contractor, "trade": trade}); err != nil {
			return err
		}
	}
	return nil
}

// GetPermit returns the projected node for recordID.
func (g *GraphStore) GetPermit(ctx context.Context, recordID string) (Permit, error) {
	if g.permits != nil {
		p, err := g.permits.Get(ctx, recordID)
		if errors.Is(err, repo.ErrNotFound) {
			return Permit{}, fmt.Errorf("graph: %s: %w", recordID, ErrPermitNotFound)
		}
		return p, err
	}

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `MATCH (n:Permit {id: $id}) RETURN n`, map[string]any{"id": recordID})
	if err != nil {
		return Permit{}, fmt.Errorf("graph: get permit: %w", err)
	}
	if !res.Next(ctx) {
		return Permit{}, fmt.Errorf("graph: %s: %w", recordID, ErrPermitNotFound)
	}
	return permitFromRecord(res.Record())
}

// DeletePermit removes the node and its links. Shared project, master permit
// and contractor nodes stay.
func (g *GraphStore) DeletePermit(ctx context.Context, recordID string) error {
	if g.permits != nil {
		return g.permits.Delete(ctx, recordID)
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	if _, err := sess.Run(ctx, `MATCH (n:Permit {id: $id}) DETACH DELETE n`, map[string]any{"id": recordID}); err != nil {
		return fmt.Errorf("graph: delete permit: %w", err)
	}
	return nil
}

// Related returns permits that share a project, master permit or contractor
// with recordID, most shared links first. A record with no links yields an
// empty slice.
func (g *GraphStore) Related(ctx context.Context, recordID string, limit int) ([]RelatedPermit, error) {
	if limit <= 0 {
		limit = DefaultRelatedLimit
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (p:Permit {id: $id})-[r1:PART_OF|UNDER_MASTER|BUILT_BY]->(hub)<-[r2]-(n:Permit)
		WHERE n.id <> $id AND type(r1) = type(r2)
		WITH n, collect(DISTINCT type(r1)) AS via
		RETURN n, via
		ORDER BY size(via) DESC, n.id
		LIMIT $limit`
	res, err := sess.Run(ctx, cypher, map[string]any{"id": recordID, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("graph: related: %w", err)
	}

	out := []RelatedPermit{}
	for res.Next(ctx) {
		rec := res.Record()
		node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
		if err != nil {
			return nil, fmt.Errorf("graph: related: %w", err)
		}
		raw, _ := rec.Get("via")
		out = append(out, RelatedPermit{Permit: permitFromProps(node.Props), Via: linkNames(raw)})
	}
	return out, nil
}

func linkNames(raw any) []string {
	types, _ := raw.([]any)
	names := make([]string, 0, len(types))
	for _, t := range types {
		s, _ := t.(string)
		if kind, ok := linkKinds[s]; ok {
			names = append(names, kind)
		}
	}
	sort.Strings(names)
	return names
}

// NodeCounts returns node counts grouped by label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: node counts: %w", err)
	}
	counts := make(map[string]int64)
	for res.Next(ctx) {
		rec := res.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}
