package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/coderag/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataArrayServer answers in the Jina/OpenAI shape, returning items in
// reverse order so callers must sort by index.
func dataArrayServer(t *testing.T, dim int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]interface{}, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(len(req.Input[i]))
			data = append(data, map[string]interface{}{"index": i, "embedding": vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": req.Model, "data": data})
	}))
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxRetries: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRemoteProvider_DataArray(t *testing.T) {
	var calls int32
	server := dataArrayServer(t, 4, &calls)
	defer server.Close()

	p, err := NewJinaProvider(HTTPConfig{
		Endpoint:     server.URL,
		APIKey:       "test-key",
		Dimension:    4,
		MaxBatchSize: 2,
		Retry:        fastRetry(1),
	}, NewCache(100))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	texts := []string{"a", "bb", "ccc"}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)

	for i, emb := range resp.Embeddings {
		assert.Equal(t, float32(len(texts[i])), emb.Vector[0], "embedding %d out of order", i)
		assert.Equal(t, ProviderJina, emb.Provider)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "three texts split into batches of two")

	// Cached texts are not sent again
	_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"bb", "dddd"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	single, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "a"})
	require.NoError(t, err)
	assert.Equal(t, float32(1), single.Vector[0])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRemoteProvider_Ollama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		embeddings := make([][]float32, len(req.Input))
		for i := range embeddings {
			embeddings[i] = []float32{1, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": embeddings})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL + "/", Dimension: 3}, nil)
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Len(t, resp.Embeddings, 2)
	assert.Equal(t, ProviderOllama, resp.Provider)
}

func TestRemoteProvider_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("retries temporary errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": [][]float32{{1, 2}}})
		}))
		defer server.Close()

		p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL, Dimension: 2, Retry: fastRetry(3)}, nil)
		require.NoError(t, err)

		_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "bad model", http.StatusBadRequest)
		}))
		defer server.Close()

		p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL, Dimension: 2, Retry: fastRetry(3)}, nil)
		require.NoError(t, err)

		_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		assert.ErrorIs(t, err, ErrProviderFailed)
		assert.ErrorIs(t, err, types.ErrModelServiceFailure)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("wrong count", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": [][]float32{{1, 2}}})
		}))
		defer server.Close()

		p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL, Dimension: 2, Retry: fastRetry(1)}, nil)
		require.NoError(t, err)

		_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"x", "y"}})
		assert.ErrorIs(t, err, types.ErrModelServiceFailure)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": [][]float32{{1, 2, 3}}})
		}))
		defer server.Close()

		p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL, Dimension: 2, Retry: fastRetry(1)}, nil)
		require.NoError(t, err)

		_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		assert.ErrorIs(t, err, types.ErrModelServiceFailure)
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		p, err := NewOllamaProvider(HTTPConfig{Endpoint: server.URL, Dimension: 2, Retry: fastRetry(3)}, nil)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = p.GenerateEmbedding(cancelled, EmbeddingRequest{Text: "x"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		got, err := RetryWithBackoff(ctx, fastRetry(3), func() (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error", func(t *testing.T) {
		attempts := 0
		_, err := RetryWithBackoff(ctx, fastRetry(2), func() (int, error) {
			attempts++
			return 0, errors.New("still down")
		})
		assert.EqualError(t, err, "still down")
		assert.Equal(t, 2, attempts)
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		attempts := 0
		_, _ = RetryWithBackoff(ctx, RetryConfig{}, func() (int, error) {
			attempts++
			return 0, errors.New("x")
		})
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops on permanent status", func(t *testing.T) {
		attempts := 0
		_, err := RetryWithBackoff(ctx, fastRetry(5), func() (int, error) {
			attempts++
			return 0, &StatusError{StatusCode: http.StatusUnauthorized}
		})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.False(t, statusErr.Temporary())
		assert.Equal(t, 1, attempts)
	})
}
