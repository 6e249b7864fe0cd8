package types

// SearchResult represents a single ranked retrieval result
type SearchResult struct {
	// Identification
	ChunkID     int64
	EmbeddingID string
	Rank        int // Position in result set (1-based)

	// Scoring
	Score           float64 // Reranking score, higher is more relevant
	SimilarityScore float64 // Stage-one similarity reported by the vector index
	SimilarityRank  int     // Position in the stage-one candidate list (1-based)

	// Chunk metadata
	ChunkType ChunkType
	Name      string
	Signature string
	StartLine int
	EndLine   int
	Content   string

	File       FileInfo
	Repository RepositoryInfo
}

// FileInfo contains owning file metadata for a search result
type FileInfo struct {
	ID       int64
	Name     string
	Path     string // Relative to repository root
	Language string
}

// RepositoryInfo contains owning repository metadata for a search result
type RepositoryInfo struct {
	ID   int64
	Name string
	Path string
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == 0 {
		return ErrInvalidChunkID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.File.Path == "" {
		return ErrMissingFileInfo
	}

	if sr.Content == "" {
		return ErrEmptyContent
	}

	return nil
}
