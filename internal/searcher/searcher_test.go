package searcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/hasher"
	"github.com/dshills/coderag/internal/reranker"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/internal/vectorindex"
	"github.com/dshills/coderag/pkg/types"
)

const (
	testDimension = 4
	jsonDoc       = "def parse_json(raw):\n    return json.loads(raw)"
	networkDoc    = "def open_socket(host, port):\n    return socket.create_connection((host, port))"
)

// mockEmbedder returns a fixed query vector and counts calls
type mockEmbedder struct {
	mu          sync.Mutex
	vector      []float32
	generateErr error
	callCount   int
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{vector: []float32{1, 0, 0, 0}}
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	return &embedder.Embedding{
		Vector:    m.vector,
		Dimension: testDimension,
		Provider:  "mock",
		Model:     "mock-model",
	}, nil
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{Provider: "mock", Model: "mock-model"}
	for _, text := range req.Texts {
		emb, err := m.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (m *mockEmbedder) Dimension() int   { return testDimension }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "mock-model" }
func (m *mockEmbedder) Close() error     { return nil }

func (m *mockEmbedder) getCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// failingReranker always fails
type failingReranker struct{}

func (failingReranker) Score(ctx context.Context, query, document string) (float64, error) {
	return 0, reranker.ErrRerankFailed
}
func (failingReranker) Name() string { return "failing" }
func (failingReranker) Close() error { return nil }

type testEnv struct {
	store    storage.Storage
	vectors  *vectorindex.SQLite
	embedder *mockEmbedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vectors, err := vectorindex.NewSQLite(":memory:", testDimension, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	return &testEnv{store: store, vectors: vectors, embedder: newMockEmbedder()}
}

func (e *testEnv) searcher(t *testing.T, rr reranker.Reranker) *Searcher {
	t.Helper()
	s, err := New(e.store, e.vectors, e.embedder, rr, Config{}, nil)
	require.NoError(t, err)
	return s
}

func (e *testEnv) repository(t *testing.T, path string) *storage.Repository {
	t.Helper()
	ctx := context.Background()

	repo, err := e.store.GetRepository(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		repo = &storage.Repository{Name: path, Path: path}
		require.NoError(t, e.store.CreateRepository(ctx, repo))
		return repo
	}
	require.NoError(t, err)
	return repo
}

// addChunk stores a one-chunk file and pairs it with vector
func (e *testEnv) addChunk(t *testing.T, repoPath, filePath, name, content string, vector []float32) *storage.Chunk {
	t.Helper()
	ctx := context.Background()

	repo := e.repository(t, repoPath)
	file := &storage.File{
		RepositoryID: repo.ID,
		Name:         filePath,
		Path:         filePath,
		Hash:         hasher.Hash(content),
		Language:     "python",
		IsActive:     true,
	}
	require.NoError(t, e.store.CreateFile(ctx, file))

	chunk := storage.FromFragment(types.Fragment{
		Type:      types.ChunkMethod,
		Name:      name,
		StartLine: 1,
		EndLine:   2,
		Text:      content,
	}, repo.ID, file.ID, hasher.Hash(content))
	require.NoError(t, e.store.CreateChunk(ctx, chunk))

	chunk.EmbeddingID = "emb-" + name
	require.NoError(t, e.vectors.Upsert(ctx, chunk.EmbeddingID, vector))
	require.NoError(t, e.store.SetChunkEmbeddingID(ctx, chunk.ID, chunk.EmbeddingID))
	return chunk
}

// seed stores a networking chunk that is nearest to the query vector and a
// JSON parsing chunk that is further away.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	e.addChunk(t, "/repo", "net.py", "open_socket", networkDoc, []float32{1, 0, 0, 0})
	e.addChunk(t, "/repo", "json.py", "parse_json", jsonDoc, []float32{0.8, 0.6, 0, 0})
}

func names(results []types.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Name
	}
	return out
}

func TestNew(t *testing.T) {
	env := newTestEnv(t)

	t.Run("dimension mismatch", func(t *testing.T) {
		emb, err := embedder.NewLocalProvider(8, nil)
		require.NoError(t, err)
		_, err = New(env.store, env.vectors, emb, nil, Config{}, nil)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		s, err := New(env.store, env.vectors, env.embedder, nil, Config{}, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultTopK, s.config.TopK)
		assert.Equal(t, DefaultRerankTopN, s.config.RerankTopN)
		assert.Equal(t, "noop", s.reranker.Name())
		assert.NotNil(t, s.cache)
	})

	t.Run("cache disabled", func(t *testing.T) {
		s, err := New(env.store, env.vectors, env.embedder, nil, Config{CacheSize: -1}, nil)
		require.NoError(t, err)
		assert.Nil(t, s.cache)
		assert.Zero(t, s.CacheLen())
	})
}

func TestSearch_RerankOrdersCandidates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	s := env.searcher(t, reranker.Lexical{})

	resp, err := s.Search(context.Background(), Request{Query: "parse JSON", TopK: 2})
	require.NoError(t, err)

	require.Equal(t, []string{"parse_json", "open_socket"}, names(resp.Results))
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.Equal(t, 2, resp.Candidates)

	top := resp.Results[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, 2, top.SimilarityRank)
	assert.InDelta(t, 0.8, top.SimilarityScore, 1e-6)
	assert.Equal(t, "json.py", top.File.Path)
	assert.Equal(t, "/repo", top.Repository.Path)
	assert.Equal(t, "emb-parse_json", top.EmbeddingID)
	assert.NoError(t, top.Validate())

	resp, err = s.Search(context.Background(), Request{Query: "parse JSON", TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"parse_json"}, names(resp.Results))
	assert.Equal(t, 2, env.embedder.getCallCount())
}

func TestSearch_TiesKeepSimilarityOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.addChunk(t, "/repo", "other.py", "middle", "def middle():\n    pass", []float32{0.9, 0.1, 0, 0})
	s := env.searcher(t, reranker.NoOp{})

	resp, err := s.Search(context.Background(), Request{Query: "anything", TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"open_socket", "middle", "parse_json"}, names(resp.Results))
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.SimilarityRank)
	}
}

func TestSearch_DropsStaleVectors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	require.NoError(t, env.vectors.Upsert(context.Background(), "ghost", []float32{1, 0, 0, 0}))
	s := env.searcher(t, reranker.Lexical{})

	resp, err := s.Search(context.Background(), Request{Query: "parse JSON", TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Candidates)
	assert.Equal(t, 1, resp.Dropped)
	assert.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.NotEqual(t, "ghost", r.EmbeddingID)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	env := newTestEnv(t)
	s := env.searcher(t, reranker.Lexical{})

	resp, err := s.Search(context.Background(), Request{Query: "parse JSON"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestSearch_ClampsRerankTopN(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	s := env.searcher(t, reranker.Lexical{})

	resp, err := s.Search(context.Background(), Request{Query: "parse JSON", TopK: 2, RerankTopN: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_InvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	s := env.searcher(t, nil)

	_, err := s.Search(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = s.Search(context.Background(), Request{Query: "q", TopK: -1})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = s.Search(context.Background(), Request{Query: "q", Repository: "/missing"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestSearch_ModelServiceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	t.Run("embedding", func(t *testing.T) {
		env.embedder.generateErr = embedder.ErrProviderFailed
		defer func() { env.embedder.generateErr = nil }()

		_, err := env.searcher(t, reranker.Lexical{}).Search(context.Background(), Request{Query: "parse JSON"})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrModelServiceFailure)

		var stageErr *types.StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, types.StageQuery, stageErr.Stage)
	})

	t.Run("reranking", func(t *testing.T) {
		_, err := env.searcher(t, failingReranker{}).Search(context.Background(), Request{Query: "parse JSON"})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrModelServiceFailure)

		var stageErr *types.StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, types.StageRerank, stageErr.Stage)
	})
}

func TestSearch_RepositoryFilter(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.addChunk(t, "/other", "util.py", "parse_yaml", "def parse_yaml(raw):\n    return yaml.load(raw)", []float32{0.7, 0.7, 0, 0})
	s := env.searcher(t, reranker.Lexical{})

	resp, err := s.Search(context.Background(), Request{Query: "parse", Repository: "/other"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "parse_yaml", resp.Results[0].Name)
	assert.Equal(t, "/other", resp.Results[0].Repository.Path)

	resp, err = s.Search(context.Background(), Request{Query: "parse"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
}

func TestSearch_SkipsInactiveFiles(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	repo := env.repository(t, "/repo")
	file, err := env.store.GetFile(ctx, repo.ID, "net.py")
	require.NoError(t, err)
	file.IsActive = false
	require.NoError(t, env.store.UpdateFile(ctx, file))

	resp, err := env.searcher(t, reranker.Lexical{}).Search(ctx, Request{Query: "parse JSON"})
	require.NoError(t, err)
	assert.Equal(t, []string{"parse_json"}, names(resp.Results))
}

func TestSearch_Cache(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	s := env.searcher(t, reranker.Lexical{})
	ctx := context.Background()
	req := Request{Query: "parse JSON", TopK: 1, UseCache: true}

	first, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, s.CacheLen())

	second, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, env.embedder.getCallCount())

	// Mutating a returned response must not leak into the cache
	second.Results[0].Name = "changed"
	third, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "parse_json", third.Results[0].Name)

	s.InvalidateCache()
	assert.Zero(t, s.CacheLen())
	fourth, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.Equal(t, 2, env.embedder.getCallCount())
}
