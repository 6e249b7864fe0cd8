package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dshills/coderag/internal/tokenize"
	"golang.org/x/time/rate"
)

// Provider names
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultLocalModel  = "local-hashed-terms"

	// Default endpoints
	DefaultJinaEndpoint   = "https://api.jina.ai/v1/embeddings"
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/embeddings"
	DefaultOllamaEndpoint = "http://localhost:11434"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	// DefaultMaxBatchSize bounds the texts sent in one request
	DefaultMaxBatchSize = 100
)

// HTTPConfig configures a provider that calls a remote model service
type HTTPConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	Dimension         int // Zero uses the provider default
	Timeout           time.Duration
	RequestsPerSecond float64 // Zero disables rate limiting
	Burst             int
	MaxBatchSize      int
	Retry             RetryConfig
}

// wireFormat encodes requests and decodes responses for one service API
type wireFormat struct {
	path   string
	encode func(texts []string, model string) interface{}
	decode func(body io.Reader) ([][]float32, error)
}

// RemoteProvider implements Embedder over an HTTP model service.
// Texts already in the cache are not sent again.
type RemoteProvider struct {
	name       string
	config     HTTPConfig
	format     wireFormat
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *Cache
}

func newRemoteProvider(name string, config HTTPConfig, format wireFormat, cache *Cache) *RemoteProvider {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry = DefaultRetryConfig()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &RemoteProvider{
		name:       name,
		config:     config,
		format:     format,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		cache:      cache,
	}
}

// NewJinaProvider creates an embedder backed by the Jina AI API
func NewJinaProvider(config HTTPConfig, cache *Cache) (*RemoteProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: jina api key not set", ErrNoProviderEnabled)
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultJinaEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultJinaModel
	}
	if config.Dimension == 0 {
		config.Dimension = JinaDimension
	}
	return newRemoteProvider(ProviderJina, config, dataArrayFormat(), cache), nil
}

// NewOpenAIProvider creates an embedder backed by the OpenAI API
func NewOpenAIProvider(config HTTPConfig, cache *Cache) (*RemoteProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key not set", ErrNoProviderEnabled)
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultOpenAIEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultOpenAIModel
	}
	if config.Dimension == 0 {
		config.Dimension = OpenAIDimension
	}
	return newRemoteProvider(ProviderOpenAI, config, dataArrayFormat(), cache), nil
}

// NewOllamaProvider creates an embedder backed by an Ollama server
func NewOllamaProvider(config HTTPConfig, cache *Cache) (*RemoteProvider, error) {
	if config.Endpoint == "" {
		config.Endpoint = DefaultOllamaEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultOllamaModel
	}
	if config.Dimension == 0 {
		config.Dimension = OllamaDimension
	}
	return newRemoteProvider(ProviderOllama, config, ollamaFormat(), cache), nil
}

// dataArrayFormat is the {"data":[{"index","embedding"}]} shape shared by
// Jina and OpenAI.
func dataArrayFormat() wireFormat {
	return wireFormat{
		encode: func(texts []string, model string) interface{} {
			return map[string]interface{}{
				"input": texts,
				"model": model,
			}
		},
		decode: func(body io.Reader) ([][]float32, error) {
			var apiResp struct {
				Data []struct {
					Embedding []float32 `json:"embedding"`
					Index     int       `json:"index"`
				} `json:"data"`
			}
			if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			sort.SliceStable(apiResp.Data, func(i, j int) bool {
				return apiResp.Data[i].Index < apiResp.Data[j].Index
			})
			vectors := make([][]float32, len(apiResp.Data))
			for i, data := range apiResp.Data {
				vectors[i] = data.Embedding
			}
			return vectors, nil
		},
	}
}

// ollamaFormat speaks the /api/embed endpoint
func ollamaFormat() wireFormat {
	return wireFormat{
		path: "/api/embed",
		encode: func(texts []string, model string) interface{} {
			return map[string]interface{}{
				"model": model,
				"input": texts,
			}
		},
		decode: func(body io.Reader) ([][]float32, error) {
			var apiResp struct {
				Embeddings [][]float32 `json:"embeddings"`
			}
			if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			return apiResp.Embeddings, nil
		},
	}
}

func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *RemoteProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	embeddings := make([]*Embedding, len(req.Texts))
	missing := make([]int, 0, len(req.Texts))
	for i, text := range req.Texts {
		if p.cache != nil {
			if emb, ok := p.cache.Get(cacheKey(model, text)); ok {
				embeddings[i] = emb
				continue
			}
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += p.config.MaxBatchSize {
		end := start + p.config.MaxBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		indices := missing[start:end]

		texts := make([]string, len(indices))
		for i, idx := range indices {
			texts[i] = req.Texts[idx]
		}

		vectors, err := RetryWithBackoff(ctx, p.config.Retry, func() ([][]float32, error) {
			return p.callAPI(ctx, texts, model)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrProviderFailed, p.name, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("%w: %s returned %d embeddings for %d texts",
				ErrProviderFailed, p.name, len(vectors), len(texts))
		}

		for i, idx := range indices {
			vector := vectors[i]
			if p.config.Dimension > 0 && len(vector) != p.config.Dimension {
				return nil, fmt.Errorf("%w: %s returned dimension %d, expected %d",
					ErrProviderFailed, p.name, len(vector), p.config.Dimension)
			}
			emb := &Embedding{
				Vector:    vector,
				Dimension: len(vector),
				Provider:  p.name,
				Model:     model,
				Hash:      ComputeHash(texts[i]),
			}
			if p.cache != nil {
				p.cache.Set(cacheKey(model, texts[i]), emb)
			}
			embeddings[idx] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

func (p *RemoteProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(p.format.encode(texts, model))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(p.config.Endpoint, "/") + p.format.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	return p.format.decode(resp.Body)
}

func (p *RemoteProvider) Dimension() int {
	return p.config.Dimension
}

func (p *RemoteProvider) Provider() string {
	return p.name
}

func (p *RemoteProvider) Model() string {
	return p.config.Model
}

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider embeds text offline by hashing code-aware terms into a
// fixed number of buckets. Texts sharing identifiers land near each other,
// which is enough for tests and air-gapped setups.
type LocalProvider struct {
	dimension int
	cache     *Cache
}

// NewLocalProvider creates an offline embedder; dimension <= 0 uses LocalDimension
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension, cache: cache}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(DefaultLocalModel, req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(key); ok {
			return emb, nil
		}
	}

	emb := &Embedding{
		Vector:    l.embed(req.Text),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     DefaultLocalModel,
		Hash:      ComputeHash(req.Text),
	}

	if l.cache != nil {
		l.cache.Set(key, emb)
	}
	return emb, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      DefaultLocalModel,
	}, nil
}

// embed hashes each term and each adjacent term pair into a signed bucket
func (l *LocalProvider) embed(text string) []float32 {
	vector := make([]float32, l.dimension)

	terms := tokenize.Terms(text)
	for i, term := range terms {
		l.addFeature(vector, term, 1.0)
		if i > 0 {
			l.addFeature(vector, terms[i-1]+" "+term, 0.5)
		}
	}

	// Text with no usable terms still gets a stable, non-zero vector
	if len(terms) == 0 {
		l.addFeature(vector, strings.TrimSpace(text), 1.0)
	}

	return NormalizeVector(vector)
}

func (l *LocalProvider) addFeature(vector []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(l.dimension))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vector[idx] += weight
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return DefaultLocalModel
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}

var (
	_ Embedder = (*RemoteProvider)(nil)
	_ Embedder = (*LocalProvider)(nil)
)
