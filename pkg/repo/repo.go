// Package repo is a small keyed store abstraction with a Neo4j backend. The
// permit graph uses it for single-node reads and deletes.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound means no node has the requested id.
var ErrNotFound = errors.New("repo: not found")

// DefaultListLimit is used when ListOpts.Limit is zero or negative.
const DefaultListLimit = 100

// Repository reads and writes entities by id. Upsert is idempotent.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts pages through List. Filter holds exact-match properties.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
