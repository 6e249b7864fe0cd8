// Package config holds the explicit configuration passed to every component.
//
// Precedence, lowest to highest:
//  1. Defaults (Default)
//  2. A YAML (.yaml, .yml) or TOML (.toml) file
//  3. Environment variables (CODERAG_*)
//
// Nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of an engine
type Config struct {
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	Source       SourceConfig       `yaml:"source" toml:"source"`
	Repositories []RepositoryConfig `yaml:"repositories" toml:"repositories"`
	Embedding    EmbeddingConfig    `yaml:"embedding" toml:"embedding"`
	Reranking    RerankingConfig    `yaml:"reranking" toml:"reranking"`
	Indexer      IndexerConfig      `yaml:"indexer" toml:"indexer"`
	Search       SearchConfig       `yaml:"search" toml:"search"`
	Schedule     ScheduleConfig     `yaml:"schedule" toml:"schedule"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// StorageConfig locates the metadata store and the vector index
type StorageConfig struct {
	MetadataPath  string `yaml:"metadata_path" toml:"metadata_path"`
	VectorPath    string `yaml:"vector_path" toml:"vector_path"`       // HNSW graph file, or SQLite database for the sqlite backend
	VectorBackend string `yaml:"vector_backend" toml:"vector_backend"` // hnsw or sqlite
}

// SourceConfig controls which files are indexed and how remote sources are reached
type SourceConfig struct {
	Loader            string       `yaml:"loader" toml:"loader"` // Default loader: local or gitlab
	IgnoredFolders    []string     `yaml:"ignored_folders" toml:"ignored_folders"`
	IgnoredFiles      []string     `yaml:"ignored_files" toml:"ignored_files"`
	AllowedExtensions []string     `yaml:"allowed_extensions" toml:"allowed_extensions"`
	MaxFileSize       int64        `yaml:"max_file_size" toml:"max_file_size"`
	GitLab            GitLabConfig `yaml:"gitlab" toml:"gitlab"`
}

// GitLabConfig holds settings shared by every GitLab repository
type GitLabConfig struct {
	Token             string        `yaml:"token" toml:"token"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
}

// RepositoryConfig registers one repository for syncing
type RepositoryConfig struct {
	Location string `yaml:"location" toml:"location"` // Directory or project URL
	Loader   string `yaml:"loader" toml:"loader"`     // Empty uses source.loader
	Branch   string `yaml:"branch" toml:"branch"`     // GitLab only
}

// EmbeddingConfig selects and tunes the embedding service
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider" toml:"provider"` // local, openai, jina or ollama
	Model             string        `yaml:"model" toml:"model"`
	Endpoint          string        `yaml:"endpoint" toml:"endpoint"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	Dimension         int           `yaml:"dimension" toml:"dimension"` // Zero uses the provider default
	MaxBatchSize      int           `yaml:"max_batch_size" toml:"max_batch_size"`
	CacheSize         int           `yaml:"cache_size" toml:"cache_size"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
}

// RerankingConfig selects and tunes the reranking service
type RerankingConfig struct {
	Provider          string        `yaml:"provider" toml:"provider"` // lexical, bm25, http or none
	Model             string        `yaml:"model" toml:"model"`
	Endpoint          string        `yaml:"endpoint" toml:"endpoint"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
}

// IndexerConfig tunes repository syncs
type IndexerConfig struct {
	Workers        int     `yaml:"workers" toml:"workers"`
	EmbedBatchSize int     `yaml:"embed_batch_size" toml:"embed_batch_size"`
	SoftDelete     bool    `yaml:"soft_delete" toml:"soft_delete"`
	CompactRatio   float64 `yaml:"compact_ratio" toml:"compact_ratio"` // Negative disables automatic HNSW compaction
}

// SearchConfig tunes retrieval
type SearchConfig struct {
	TopK       int           `yaml:"top_k" toml:"top_k"`
	RerankTopN int           `yaml:"rerank_top_n" toml:"rerank_top_n"`
	CacheSize  int           `yaml:"cache_size" toml:"cache_size"` // Negative disables the query cache
	CacheTTL   time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// ScheduleConfig controls background syncing
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"` // Zero disables periodic syncs
	Watch    bool          `yaml:"watch" toml:"watch"`       // Watch local repositories for changes
	Debounce time.Duration `yaml:"debounce" toml:"debounce"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn or error
	Format string `yaml:"format" toml:"format"` // json or text
	Output string `yaml:"output" toml:"output"` // stderr, stdout or a file path
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			MetadataPath:  filepath.Join(".coderag", "metadata.db"),
			VectorPath:    filepath.Join(".coderag", "vectors.hnsw"),
			VectorBackend: "hnsw",
		},
		Source: SourceConfig{
			Loader: "local",
			IgnoredFolders: []string{
				".git", ".svn", ".hg", "node_modules", "vendor", "__pycache__",
				".venv", "venv", ".idea", ".vscode", "dist", "build", ".tox",
			},
			IgnoredFiles: []string{".DS_Store", "*.min.js", "*.lock", "package-lock.json"},
			AllowedExtensions: []string{
				".py", ".go", ".js", ".jsx", ".ts", ".tsx", ".java", ".kt",
				".rb", ".rs", ".c", ".h", ".cpp", ".hpp", ".cs", ".php",
				".scala", ".swift",
			},
			MaxFileSize: 1 << 20,
			GitLab: GitLabConfig{
				Timeout:           30 * time.Second,
				RequestsPerSecond: 10,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:     "local",
			MaxBatchSize: 100,
			CacheSize:    10000,
			Timeout:      30 * time.Second,
			MaxRetries:   1,
		},
		Reranking: RerankingConfig{
			Provider:   "lexical",
			Timeout:    30 * time.Second,
			MaxRetries: 1,
		},
		Indexer: IndexerConfig{
			EmbedBatchSize: 32,
			CompactRatio:   0.25,
		},
		Search: SearchConfig{
			TopK:       10,
			RerankTopN: 50,
			CacheSize:  256,
			CacheTTL:   5 * time.Minute,
		},
		Schedule: ScheduleConfig{
			Debounce: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load builds a configuration from defaults, the file at path (skipped when
// empty) and CODERAG_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes a YAML or TOML file over c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides applies CODERAG_* environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CODERAG_SQLITE_DB_PATH"); v != "" {
		c.Storage.MetadataPath = v
	}
	if v := os.Getenv("CODERAG_VECTOR_DB_PATH"); v != "" {
		c.Storage.VectorPath = v
	}
	if v := os.Getenv("CODERAG_VECTOR_BACKEND"); v != "" {
		c.Storage.VectorBackend = v
	}
	if v := os.Getenv("CODERAG_DEFAULT_LOADER"); v != "" {
		c.Source.Loader = v
	}
	if v := os.Getenv("CODERAG_GITLAB_TOKEN"); v != "" {
		c.Source.GitLab.Token = v
	}

	if v := os.Getenv("CODERAG_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("CODERAG_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("CODERAG_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("CODERAG_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}

	if v := os.Getenv("CODERAG_RERANKER_PROVIDER"); v != "" {
		c.Reranking.Provider = v
	}
	if v := os.Getenv("CODERAG_RERANKER_MODEL"); v != "" {
		c.Reranking.Model = v
	}
	if v := os.Getenv("CODERAG_RERANKER_ENDPOINT"); v != "" {
		c.Reranking.Endpoint = v
	}

	if v := os.Getenv("CODERAG_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexer.Workers = n
		}
	}
	if v := os.Getenv("CODERAG_SOFT_DELETE"); v != "" {
		c.Indexer.SoftDelete = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("CODERAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Storage.MetadataPath == "" {
		add("storage.metadata_path", "must not be empty")
	}
	switch strings.ToLower(c.Storage.VectorBackend) {
	case "hnsw", "sqlite":
	default:
		add("storage.vector_backend", "invalid backend '%s', must be one of: hnsw, sqlite", c.Storage.VectorBackend)
	}

	if !validLoader(c.Source.Loader) {
		add("source.loader", "invalid loader '%s', must be one of: local, gitlab", c.Source.Loader)
	}
	if c.Source.MaxFileSize < 0 {
		add("source.max_file_size", "must be non-negative, got %d", c.Source.MaxFileSize)
	}
	for i, repo := range c.Repositories {
		if repo.Location == "" {
			add(fmt.Sprintf("repositories[%d].location", i), "must not be empty")
		}
		if repo.Loader != "" && !validLoader(repo.Loader) {
			add(fmt.Sprintf("repositories[%d].loader", i), "invalid loader '%s', must be one of: local, gitlab", repo.Loader)
		}
	}

	switch strings.ToLower(c.Embedding.Provider) {
	case "", "local", "openai", "jina", "ollama":
	default:
		add("embedding.provider", "invalid provider '%s', must be one of: local, openai, jina, ollama", c.Embedding.Provider)
	}
	if c.Embedding.Dimension < 0 {
		add("embedding.dimension", "must be non-negative, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.MaxRetries < 0 {
		add("embedding.max_retries", "must be non-negative, got %d", c.Embedding.MaxRetries)
	}

	switch strings.ToLower(c.Reranking.Provider) {
	case "", "lexical", "bm25", "http", "none", "noop":
	default:
		add("reranking.provider", "invalid provider '%s', must be one of: lexical, bm25, http, none", c.Reranking.Provider)
	}
	if c.Reranking.MaxRetries < 0 {
		add("reranking.max_retries", "must be non-negative, got %d", c.Reranking.MaxRetries)
	}

	if c.Indexer.Workers < 0 {
		add("indexer.workers", "must be non-negative, got %d", c.Indexer.Workers)
	}
	if c.Indexer.EmbedBatchSize < 0 {
		add("indexer.embed_batch_size", "must be non-negative, got %d", c.Indexer.EmbedBatchSize)
	}

	if c.Search.TopK < 0 {
		add("search.top_k", "must be non-negative, got %d", c.Search.TopK)
	}
	if c.Search.RerankTopN < 0 {
		add("search.rerank_top_n", "must be non-negative, got %d", c.Search.RerankTopN)
	}

	if c.Schedule.Interval < 0 {
		add("schedule.interval", "must be non-negative, got %s", c.Schedule.Interval)
	}
	if c.Schedule.Debounce < 0 {
		add("schedule.debounce", "must be non-negative, got %s", c.Schedule.Debounce)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format", "invalid format '%s', must be one of: json, text", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validLoader(loader string) bool {
	switch strings.ToLower(loader) {
	case "local", "gitlab":
		return true
	default:
		return false
	}
}

// WriteYAML writes the configuration to a YAML file
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
