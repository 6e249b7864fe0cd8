// Package vectorindex provides similarity search over embedding vectors
// keyed by opaque embedding ids.
//
// Two variants are available. HNSW keeps an approximate graph in memory and
// persists it to a file. SQLite stores vectors in a table and ranks them
// exactly, using sqlite-vec when the binary is built with the sqlite_vec tag.
// Both report cosine similarity as the hit score, higher is closer.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed index
var ErrClosed = errors.New("vector index is closed")

// ErrDimensionMismatch indicates a vector of the wrong length
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Hit is a single nearest-neighbor result
type Hit struct {
	ID    string
	Score float64
}

// Index is a similarity-search structure keyed by embedding id.
// Implementations are safe for concurrent use.
type Index interface {
	// Upsert stores vector under id, replacing any previous vector.
	Upsert(ctx context.Context, id string, vector []float32) error
	// Delete removes the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
	// QueryTopK returns up to k hits ordered by descending similarity.
	QueryTopK(ctx context.Context, vector []float32, k int) ([]Hit, error)
	// Contains reports whether id currently has a vector.
	Contains(ctx context.Context, id string) (bool, error)
	// AllIDs lists every stored id.
	AllIDs(ctx context.Context) ([]string, error)
	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)
	// Dimensions returns the vector length the index accepts.
	Dimensions() int
	// Close releases resources, persisting state where the variant supports it.
	Close() error
}

// Persister is implemented by indexes whose state lives outside SQLite
type Persister interface {
	Save(ctx context.Context) error
}

// Compacter is implemented by indexes that delete lazily and keep dead
// entries until they are rebuilt.
type Compacter interface {
	Orphans() int
	Compact(ctx context.Context) error
}

func checkDimensions(expected int, vector []float32) error {
	if expected > 0 && len(vector) != expected {
		return ErrDimensionMismatch{Expected: expected, Got: len(vector)}
	}
	if len(vector) == 0 {
		return errors.New("vector cannot be empty")
	}
	return nil
}
