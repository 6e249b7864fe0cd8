package vectorindex

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 4

func newTestIndexes(t *testing.T) map[string]Index {
	h, err := NewHNSW(HNSWConfig{Dimensions: testDims}, nil)
	require.NoError(t, err)

	s, err := NewSQLite(":memory:", testDims, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.Close()
		_ = s.Close()
	})
	return map[string]Index{"hnsw": h, "sqlite": s}
}

func TestIndexContract(t *testing.T) {
	ctx := context.Background()

	for name, idx := range newTestIndexes(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("empty index", func(t *testing.T) {
				hits, err := idx.QueryTopK(ctx, []float32{1, 0, 0, 0}, 5)
				require.NoError(t, err)
				assert.Empty(t, hits)
			})

			require.NoError(t, idx.Upsert(ctx, "x", []float32{1, 0, 0, 0}))
			require.NoError(t, idx.Upsert(ctx, "y", []float32{0, 1, 0, 0}))
			require.NoError(t, idx.Upsert(ctx, "xy", []float32{1, 1, 0, 0}))

			t.Run("ranking", func(t *testing.T) {
				hits, err := idx.QueryTopK(ctx, []float32{1, 0.1, 0, 0}, 3)
				require.NoError(t, err)
				require.Len(t, hits, 3)
				assert.Equal(t, "x", hits[0].ID)
				assert.Equal(t, "xy", hits[1].ID)
				assert.Equal(t, "y", hits[2].ID)
				assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
				assert.InDelta(t, 0.995, hits[0].Score, 0.01)
			})

			t.Run("k limits results", func(t *testing.T) {
				hits, err := idx.QueryTopK(ctx, []float32{1, 0, 0, 0}, 1)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, "x", hits[0].ID)

				hits, err = idx.QueryTopK(ctx, []float32{1, 0, 0, 0}, 0)
				require.NoError(t, err)
				assert.Empty(t, hits)
			})

			t.Run("upsert replaces", func(t *testing.T) {
				require.NoError(t, idx.Upsert(ctx, "y", []float32{0, 0, 1, 0}))
				hits, err := idx.QueryTopK(ctx, []float32{0, 0, 1, 0}, 1)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, "y", hits[0].ID)

				n, err := idx.Count(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, n)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, idx.Delete(ctx, "x", "unknown"))
				ok, err := idx.Contains(ctx, "x")
				require.NoError(t, err)
				assert.False(t, ok)

				hits, err := idx.QueryTopK(ctx, []float32{1, 0, 0, 0}, 3)
				require.NoError(t, err)
				for _, h := range hits {
					assert.NotEqual(t, "x", h.ID)
				}
				assert.Len(t, hits, 2)

				ids, err := idx.AllIDs(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"xy", "y"}, ids)
			})

			t.Run("dimension mismatch", func(t *testing.T) {
				err := idx.Upsert(ctx, "bad", []float32{1, 2})
				var dimErr ErrDimensionMismatch
				assert.ErrorAs(t, err, &dimErr)
				assert.Equal(t, testDims, dimErr.Expected)

				_, err = idx.QueryTopK(ctx, []float32{1}, 1)
				assert.Error(t, err)
			})

			t.Run("empty id", func(t *testing.T) {
				assert.Error(t, idx.Upsert(ctx, "", []float32{1, 0, 0, 0}))
			})
		})
	}
}

func TestHNSWPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	h, err := NewHNSW(HNSWConfig{Dimensions: testDims, Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Upsert(ctx, "a", []float32{1, 0, 0, 0}))
	require.NoError(t, h.Upsert(ctx, "b", []float32{0, 1, 0, 0}))
	require.NoError(t, h.Delete(ctx, "b"))
	require.NoError(t, h.Close())

	reopened, err := NewHNSW(HNSWConfig{Dimensions: testDims, Path: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	hits, err := reopened.QueryTopK(ctx, []float32{0, 1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)

	t.Run("dimension change rejected", func(t *testing.T) {
		_, err := NewHNSW(HNSWConfig{Dimensions: 8, Path: path}, nil)
		var dimErr ErrDimensionMismatch
		assert.ErrorAs(t, err, &dimErr)
	})
}

func TestHNSWCompact(t *testing.T) {
	ctx := context.Background()
	h, err := NewHNSW(HNSWConfig{Dimensions: testDims}, nil)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Upsert(ctx, "a", []float32{1, 0, 0, 0}))
	require.NoError(t, h.Upsert(ctx, "a", []float32{1, 1, 0, 0}))
	require.NoError(t, h.Upsert(ctx, "b", []float32{0, 1, 0, 0}))
	require.NoError(t, h.Delete(ctx, "b"))
	assert.Equal(t, 2, h.Orphans())

	require.NoError(t, h.Compact(ctx))
	assert.Equal(t, 0, h.Orphans())

	hits, err := h.QueryTopK(ctx, []float32{1, 1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)
}

func TestSQLiteDeleteManyIDs(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(":memory:", testDims, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, "keep", []float32{1, 0, 0, 0}))
	require.NoError(t, s.Upsert(ctx, "drop", []float32{0, 1, 0, 0}))

	ids := []string{"drop"}
	for i := 0; len(ids) < 40000; i++ {
		ids = append(ids, fmt.Sprintf("absent-%d", i))
	}
	require.NoError(t, s.Delete(ctx, ids...))

	all, err := s.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, all)
}

func TestClosedIndex(t *testing.T) {
	ctx := context.Background()
	for name, idx := range newTestIndexes(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Close())
			assert.ErrorIs(t, idx.Upsert(ctx, "a", []float32{1, 0, 0, 0}), ErrClosed)
			_, err := idx.QueryTopK(ctx, []float32{1, 0, 0, 0}, 1)
			assert.ErrorIs(t, err, ErrClosed)
			assert.NoError(t, idx.Close())
		})
	}
}

func TestSerializeVector(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	assert.Equal(t, v, deserializeVector(serializeVector(v)))
	assert.Len(t, serializeVector(v), 12)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 1}))
}
