// Package repo defines the generic Repository interface used by the
// engine's graph-backed stores, plus its Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no node matches.
var ErrNotFound = errors.New("not found")

// Repository is a generic CRUD interface over one node label.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	FindBy(ctx context.Context, prop string, value any, limit int) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination, ordering and equality filtering for List.
// Filter keys and OrderBy must be plain property identifiers.
type ListOpts struct {
	Offset  int
	Limit   int
	Filter  map[string]any
	OrderBy string
	Desc    bool
}
