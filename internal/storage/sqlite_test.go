package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func createTestRepository(t *testing.T, s Storage, path string) *Repository {
	repo := &Repository{Name: "repo", Path: path}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func createTestFile(t *testing.T, s Storage, repoID int64, path string) *File {
	file := &File{RepositoryID: repoID, Name: path, Path: path, Hash: "h-" + path, Language: "python", IsActive: true}
	require.NoError(t, s.CreateFile(context.Background(), file))
	return file
}

func createTestChunk(t *testing.T, s Storage, file *File, hash string) *Chunk {
	chunk := &Chunk{
		RepositoryID: file.RepositoryID,
		FileID:       file.ID,
		ChunkType:    types.ChunkMethod,
		Name:         "fn_" + hash,
		Signature:    "def fn_" + hash + "()",
		StartLine:    1,
		EndLine:      3,
		Hash:         hash,
		Content:      "def fn_" + hash + "():\n    pass",
	}
	require.NoError(t, s.CreateChunk(context.Background(), chunk))
	return chunk
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	version, err := SchemaVersion(context.Background(), storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version.String())
}

func TestRepositoryCRUD(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	repo := createTestRepository(t, storage, "/src/api")
	assert.Greater(t, repo.ID, int64(0))
	assert.False(t, repo.CreatedAt.IsZero())

	t.Run("duplicate path", func(t *testing.T) {
		err := storage.CreateRepository(ctx, &Repository{Name: "other", Path: "/src/api"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("lookups", func(t *testing.T) {
		byPath, err := storage.GetRepository(ctx, "/src/api")
		require.NoError(t, err)
		assert.Equal(t, repo.ID, byPath.ID)

		byName, err := storage.GetRepositoryByName(ctx, "repo")
		require.NoError(t, err)
		assert.Equal(t, repo.ID, byName.ID)

		byID, err := storage.GetRepositoryByID(ctx, repo.ID)
		require.NoError(t, err)
		assert.Equal(t, "/src/api", byID.Path)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := storage.GetRepository(ctx, "/missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = storage.GetRepositoryByName(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, storage.UpdateRepositoryHash(ctx, 9999, "x"), ErrNotFound)
	})

	t.Run("update hash", func(t *testing.T) {
		require.NoError(t, storage.UpdateRepositoryHash(ctx, repo.ID, "abc"))
		got, err := storage.GetRepositoryByID(ctx, repo.ID)
		require.NoError(t, err)
		assert.Equal(t, "abc", got.Hash)
	})

	t.Run("list", func(t *testing.T) {
		createTestRepository(t, storage, "/src/web")
		repos, err := storage.ListRepositories(ctx)
		require.NoError(t, err)
		assert.Len(t, repos, 2)
	})
}

func TestFileCRUD(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")

	file := createTestFile(t, storage, repo.ID, "pkg/a.py")
	assert.Greater(t, file.ID, int64(0))

	err := storage.CreateFile(ctx, &File{RepositoryID: repo.ID, Name: "a.py", Path: "pkg/a.py", Hash: "x"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := storage.GetFile(ctx, repo.ID, "pkg/a.py")
	require.NoError(t, err)
	assert.Equal(t, "python", got.Language)
	assert.True(t, got.IsActive)

	got.Hash = "new"
	got.IsActive = false
	got.Language = ""
	require.NoError(t, storage.UpdateFile(ctx, got))

	updated, err := storage.GetFileByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Hash)
	assert.False(t, updated.IsActive)
	assert.Empty(t, updated.Language)

	assert.ErrorIs(t, storage.UpdateFile(ctx, &File{ID: 9999}), ErrNotFound)

	files, err := storage.ListFiles(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, storage.DeleteFile(ctx, file.ID))
	_, err = storage.GetFileByID(ctx, file.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkCRUD(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")
	file := createTestFile(t, storage, repo.ID, "a.py")

	chunk := createTestChunk(t, storage, file, "h1")
	assert.Greater(t, chunk.ID, int64(0))
	assert.False(t, chunk.HasEmbedding())

	t.Run("hash unique within file", func(t *testing.T) {
		dup := &Chunk{RepositoryID: repo.ID, FileID: file.ID, ChunkType: types.ChunkMethod, Hash: "h1", Content: "x"}
		assert.ErrorIs(t, storage.CreateChunk(ctx, dup), ErrAlreadyExists)
	})

	t.Run("same hash in another file", func(t *testing.T) {
		other := createTestFile(t, storage, repo.ID, "b.py")
		createTestChunk(t, storage, other, "h1")
	})

	t.Run("invalid chunk type", func(t *testing.T) {
		bad := &Chunk{RepositoryID: repo.ID, FileID: file.ID, ChunkType: "function", Hash: "bad", Content: "x"}
		assert.Error(t, storage.CreateChunk(ctx, bad))
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := storage.GetChunk(ctx, chunk.ID)
		require.NoError(t, err)
		assert.Equal(t, "fn_h1", got.Name)
		assert.Equal(t, types.ChunkMethod, got.ChunkType)
		assert.Equal(t, repo.ID, got.RepositoryID)

		byHash, err := storage.GetChunkByHash(ctx, file.ID, "h1")
		require.NoError(t, err)
		assert.Equal(t, chunk.ID, byHash.ID)

		_, err = storage.GetChunkByHash(ctx, file.ID, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		createTestChunk(t, storage, file, "h2")
		byFile, err := storage.ListChunksByFile(ctx, file.ID)
		require.NoError(t, err)
		assert.Len(t, byFile, 2)

		byRepo, err := storage.ListChunksByRepository(ctx, repo.ID)
		require.NoError(t, err)
		assert.Len(t, byRepo, 3)
	})

	t.Run("update span", func(t *testing.T) {
		require.NoError(t, storage.UpdateChunkSpan(ctx, chunk.ID, 10, 14))
		got, err := storage.GetChunk(ctx, chunk.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.StartLine)
		assert.Equal(t, 14, got.EndLine)
		assert.Equal(t, "h1", got.Hash)

		assert.ErrorIs(t, storage.UpdateChunkSpan(ctx, 9999, 1, 2), ErrNotFound)
	})

	t.Run("batch delete", func(t *testing.T) {
		c := createTestChunk(t, storage, file, "h3")
		n, err := storage.DeleteChunksBatch(ctx, []int64{c.ID, 9999})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = storage.DeleteChunksBatch(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestEmbeddingIDPairing(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")
	file := createTestFile(t, storage, repo.ID, "a.py")
	c1 := createTestChunk(t, storage, file, "h1")
	c2 := createTestChunk(t, storage, file, "h2")

	pending, err := storage.ListPendingChunks(ctx, repo.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := storage.ListPendingChunks(ctx, repo.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, storage.SetChunkEmbeddingID(ctx, c1.ID, "emb-1"))

	t.Run("already paired", func(t *testing.T) {
		err := storage.SetChunkEmbeddingID(ctx, c1.ID, "emb-other")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("globally unique", func(t *testing.T) {
		err := storage.SetChunkEmbeddingID(ctx, c2.ID, "emb-1")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("deleted chunk", func(t *testing.T) {
		err := storage.SetChunkEmbeddingID(ctx, 9999, "emb-9")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty id", func(t *testing.T) {
		assert.Error(t, storage.SetChunkEmbeddingID(ctx, c2.ID, ""))
	})

	got, err := storage.GetChunkByEmbeddingID(ctx, "emb-1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)

	_, err = storage.GetChunkByEmbeddingID(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := storage.ListEmbeddingIDs(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"emb-1"}, ids)

	all, err := storage.ListEmbeddingIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"emb-1"}, all)

	status, err := storage.GetStatus(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ChunksCount)
	assert.Equal(t, 1, status.EmbeddedChunks)
	assert.Equal(t, 1, status.PendingChunks)
	assert.Equal(t, 1, status.FilesCount)
	assert.Equal(t, 1, status.ActiveFiles)

	n, err := storage.ClearEmbeddingIDs(ctx, []string{"emb-1", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = storage.ListPendingChunks(ctx, repo.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestLargeIDBatches(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")
	file := createTestFile(t, storage, repo.ID, "a.py")

	const total = 40000

	var chunkIDs []int64
	var embeddingIDs []string
	for i := 0; i < 3; i++ {
		c := createTestChunk(t, storage, file, fmt.Sprintf("h%d", i))
		id := fmt.Sprintf("emb-%d", i)
		require.NoError(t, storage.SetChunkEmbeddingID(ctx, c.ID, id))
		chunkIDs = append(chunkIDs, c.ID)
		embeddingIDs = append(embeddingIDs, id)
	}
	for i := len(embeddingIDs); i < total; i++ {
		embeddingIDs = append(embeddingIDs, fmt.Sprintf("missing-%d", i))
	}

	t.Run("clear embedding ids", func(t *testing.T) {
		n, err := storage.ClearEmbeddingIDs(ctx, embeddingIDs)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		pending, err := storage.ListPendingChunks(ctx, repo.ID, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})

	t.Run("delete chunks", func(t *testing.T) {
		ids := append([]int64(nil), chunkIDs...)
		for i := int64(0); len(ids) < total; i++ {
			ids = append(ids, 1_000_000+i)
		}

		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		n, err := tx.DeleteChunksBatch(ctx, ids)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, 3, n)

		chunks, err := storage.ListChunksByFile(ctx, file.ID)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})
}

func TestCascadeDelete(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")
	a := createTestFile(t, storage, repo.ID, "a.py")
	b := createTestFile(t, storage, repo.ID, "b.py")
	ca := createTestChunk(t, storage, a, "h1")
	createTestChunk(t, storage, b, "h2")

	require.NoError(t, storage.DeleteFile(ctx, a.ID))
	_, err := storage.GetChunk(ctx, ca.ID)
	assert.ErrorIs(t, err, ErrNotFound, "file delete should cascade to chunks")

	require.NoError(t, storage.DeleteRepository(ctx, repo.ID))
	files, err := storage.ListFiles(ctx, repo.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
	chunks, err := storage.ListChunksByRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks, "repository delete should cascade to chunks")
}

func TestTransaction(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	repo := createTestRepository(t, storage, "/src/api")

	t.Run("commit", func(t *testing.T) {
		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		file := createTestFile(t, tx, repo.ID, "a.py")
		createTestChunk(t, tx, file, "h1")
		require.NoError(t, tx.Commit())

		chunks, err := storage.ListChunksByFile(ctx, file.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("rollback", func(t *testing.T) {
		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		createTestFile(t, tx, repo.ID, "b.py")
		require.NoError(t, tx.Rollback())

		_, err = storage.GetFile(ctx, repo.ID, "b.py")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("nested", func(t *testing.T) {
		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()
		_, err = tx.BeginTx(ctx)
		assert.Error(t, err)
	})
}

func TestMigrationRollback(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, storage.db))
	version, err := SchemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", version.String())

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	createTestRepository(t, storage, "/src/api")
}

func TestFromFragment(t *testing.T) {
	f := types.Fragment{Type: types.ChunkClass, Name: "User", Signature: "class User:", StartLine: 1, EndLine: 9, Text: "class User:\n    pass"}
	c := FromFragment(f, 1, 2, "hash")
	assert.Equal(t, int64(1), c.RepositoryID)
	assert.Equal(t, int64(2), c.FileID)
	assert.Equal(t, types.ChunkClass, c.ChunkType)
	assert.Equal(t, "class User:\n    pass", c.DocumentText(), "signature already leads the text")
}
