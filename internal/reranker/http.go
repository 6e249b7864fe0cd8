package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dshills/coderag/internal/embedder"
	"golang.org/x/time/rate"
)

// HTTP reranker defaults
const (
	DefaultEndpoint = "http://localhost:9659"
	DefaultModel    = "bge-reranker-base"
	DefaultTimeout  = 30 * time.Second
)

// HTTPConfig configures a cross-encoder served over HTTP.
//
// The service receives POST {endpoint}/rerank with
// {"query", "documents", "model"} and answers
// {"results": [{"index", "score" | "relevance_score"}]}, the shape shared by
// text-embeddings-inference, Jina and most local rerank servers.
type HTTPConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             embedder.RetryConfig
}

// HTTP implements BatchReranker against a remote cross-encoder
type HTTP struct {
	client  *http.Client
	config  HTTPConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewHTTP creates a cross-encoder client
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTP {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTP{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config:  cfg,
		limiter: limiter,
		logger:  logger,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int      `json:"index"`
		Score          *float64 `json:"score"`
		RelevanceScore *float64 `json:"relevance_score"`
	} `json:"results"`
}

func (h *HTTP) Score(ctx context.Context, query, document string) (float64, error) {
	scores, err := h.ScoreBatch(ctx, query, []string{document})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch scores all documents in one request
func (h *HTTP) ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: reranker is closed", ErrRerankFailed)
	}

	if len(documents) == 0 {
		return []float64{}, nil
	}

	start := time.Now()
	scores, err := embedder.RetryWithBackoff(ctx, h.config.Retry, func() ([]float64, error) {
		return h.call(ctx, query, documents)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRerankFailed, err)
	}

	h.logger.Debug("reranked candidates",
		slog.String("model", h.config.Model),
		slog.Int("documents", len(documents)),
		slog.Duration("duration", time.Since(start)))

	return scores, nil
}

func (h *HTTP) call(ctx context.Context, query string, documents []string) ([]float64, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents, Model: h.config.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	url := strings.TrimRight(h.config.Endpoint, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &embedder.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, result := range decoded.Results {
		if result.Index < 0 || result.Index >= len(documents) {
			return nil, fmt.Errorf("result index %d out of range", result.Index)
		}
		switch {
		case result.RelevanceScore != nil:
			scores[result.Index] = *result.RelevanceScore
		case result.Score != nil:
			scores[result.Index] = *result.Score
		default:
			return nil, fmt.Errorf("result %d has no score", result.Index)
		}
		seen[result.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing score for document %d", i)
		}
	}

	return scores, nil
}

func (h *HTTP) Name() string {
	return "http:" + h.config.Model
}

func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.client.CloseIdleConnections()
	return nil
}

var _ BatchReranker = (*HTTP)(nil)
