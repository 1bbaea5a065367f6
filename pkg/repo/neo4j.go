package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Node maps T onto nodes carrying a single label.
type Node[T any] struct {
	Label string
	// IDKey is the property holding the id. Empty means "id".
	IDKey string
	// Database is the target database. Empty means the server default.
	Database string
	ToProps  func(T) map[string]any
	// FromRecord decodes a record whose node is bound to "n".
	FromRecord func(*neo4j.Record) (T, error)
}

// Neo4jRepo is a Repository over the nodes described by a Node.
type Neo4jRepo[T any, ID comparable] struct {
	driver neo4j.DriverWithContext
	node   Node[T]
	open   func(ctx context.Context) runner
}

var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// NewNeo4jRepo creates a repository for node.
func NewNeo4jRepo[T any, ID comparable](driver neo4j.DriverWithContext, node Node[T]) *Neo4jRepo[T, ID] {
	if node.IDKey == "" {
		node.IDKey = "id"
	}
	r := &Neo4jRepo[T, ID]{driver: driver, node: node}
	r.open = r.newSession
	return r
}

type driverSession struct{ neo4j.SessionWithContext }

func (s driverSession) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return s.SessionWithContext.Run(ctx, cypher, params)
}

func (r *Neo4jRepo[T, ID]) newSession(ctx context.Context) runner {
	return driverSession{r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.node.Database})}
}

// exec runs cypher in a fresh session and decodes every returned record
// into visit, which may be nil. It reports how many records were seen.
func (r *Neo4jRepo[T, ID]) exec(ctx context.Context, op, cypher string, params map[string]any, visit func(T)) (int, error) {
	sess := r.open(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return 0, fmt.Errorf("repo: %s %s: %w", op, r.node.Label, err)
	}
	n := 0
	for res.Next(ctx) {
		n++
		if visit == nil {
			continue
		}
		v, err := r.node.FromRecord(res.Record())
		if err != nil {
			return n, fmt.Errorf("repo: %s %s: decode: %w", op, r.node.Label, err)
		}
		visit(v)
	}
	return n, nil
}

func (r *Neo4jRepo[T, ID]) match() string {
	return fmt.Sprintf("(n:%s {%s: $id})", r.node.Label, r.node.IDKey)
}

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var out T
	n, err := r.exec(ctx, "get", "MATCH "+r.match()+" RETURN n", map[string]any{"id": id}, func(v T) { out = v })
	if err != nil {
		return out, err
	}
	if n == 0 {
		return out, fmt.Errorf("repo: get %s %v: %w", r.node.Label, id, ErrNotFound)
	}
	return out, nil
}

// List returns nodes ordered by id. Filter keys become equality predicates
// applied in key order.
func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	params := map[string]any{"offset": opts.Offset, "limit": limit}

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (n:%s)", r.node.Label)
	if where := whereEqual(opts.Filter, params); where != "" {
		b.WriteString(" WHERE " + where)
	}
	fmt.Fprintf(&b, " RETURN n ORDER BY n.%s SKIP $offset LIMIT $limit", r.node.IDKey)

	items := []T{}
	if _, err := r.exec(ctx, "list", b.String(), params, func(v T) { items = append(items, v) }); err != nil {
		return nil, err
	}
	return items, nil
}

func whereEqual(filter map[string]any, params map[string]any) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	preds := make([]string, len(keys))
	for i, k := range keys {
		name := fmt.Sprintf("f%d", i)
		params[name] = filter[k]
		preds[i] = fmt.Sprintf("n.%s = $%s", k, name)
	}
	return strings.Join(preds, " AND ")
}

// Upsert merges the node on its id property and overwrites the mapped
// properties.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) (T, error) {
	props := r.node.ToProps(entity)
	var out T
	n, err := r.exec(ctx, "upsert", "MERGE "+r.match()+" SET n += $props RETURN n",
		map[string]any{"id": props[r.node.IDKey], "props": props}, func(v T) { out = v })
	if err != nil {
		return out, err
	}
	if n == 0 {
		return out, fmt.Errorf("repo: upsert %s returned no node", r.node.Label)
	}
	return out, nil
}

// Delete removes the node and its relationships. A missing id is not an
// error.
func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	_, err := r.exec(ctx, "delete", "MATCH "+r.match()+" DETACH DELETE n", map[string]any{"id": id}, nil)
	return err
}
