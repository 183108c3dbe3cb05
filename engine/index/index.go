// Package index stores embedding entries and answers exact nearest-neighbor
// queries by cosine distance.
//
// Two backends implement Index: Bolt, an embedded bbolt file searched by
// brute force over an in-memory snapshot, and Qdrant, a remote collection.
// Both return neighbors in ascending distance with ties broken by the order
// in which ids were first inserted.
package index

import (
	"context"

	"github.com/charsearch/charsearch/engine/domain"
)

// Index is the vector index contract.
type Index interface {
	// Upsert inserts or fully replaces entries by id. The batch is applied
	// atomically: on error nothing from it is visible.
	Upsert(ctx context.Context, entries []domain.Entry) error
	// Query returns up to k nearest neighbors of q, nearest first.
	Query(ctx context.Context, q domain.Vector, k int) ([]domain.Neighbor, error)
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	// Dims returns the fixed vector dimensionality of the collection.
	Dims() int
	// Close releases the backend. Later calls fail with domain.ErrIndexUnavailable.
	Close() error
}
