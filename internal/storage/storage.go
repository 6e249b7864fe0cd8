package storage

import (
	"context"
	"time"

	"github.com/dshills/coderag/pkg/types"
)

// Storage defines the interface for persisting repository, file and chunk metadata.
//
// Deleting a repository cascades to its files and chunks, and deleting a file
// cascades to its chunks. The cascade never reaches the vector index; callers
// that delete rows must remove the matching embedding ids themselves.
type Storage interface {
	// Repository operations
	CreateRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, path string) (*Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*Repository, error)
	GetRepositoryByID(ctx context.Context, repositoryID int64) (*Repository, error)
	UpdateRepositoryHash(ctx context.Context, repositoryID int64, hash string) error
	DeleteRepository(ctx context.Context, repositoryID int64) error
	ListRepositories(ctx context.Context) ([]*Repository, error)

	// File operations
	CreateFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, repositoryID int64, path string) (*File, error)
	GetFileByID(ctx context.Context, fileID int64) (*File, error)
	UpdateFile(ctx context.Context, file *File) error
	DeleteFile(ctx context.Context, fileID int64) error
	ListFiles(ctx context.Context, repositoryID int64) ([]*File, error)

	// Chunk operations
	CreateChunk(ctx context.Context, chunk *Chunk) error
	GetChunk(ctx context.Context, chunkID int64) (*Chunk, error)
	GetChunkByHash(ctx context.Context, fileID int64, hash string) (*Chunk, error)
	GetChunkByEmbeddingID(ctx context.Context, embeddingID string) (*Chunk, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error)
	ListChunksByRepository(ctx context.Context, repositoryID int64) ([]*Chunk, error)
	ListPendingChunks(ctx context.Context, repositoryID int64, limit int) ([]*Chunk, error)
	UpdateChunkSpan(ctx context.Context, chunkID int64, startLine, endLine int) error
	DeleteChunk(ctx context.Context, chunkID int64) error
	DeleteChunksBatch(ctx context.Context, chunkIDs []int64) (deletedCount int, err error)
	DeleteChunksByFile(ctx context.Context, fileID int64) error

	// Embedding id operations
	SetChunkEmbeddingID(ctx context.Context, chunkID int64, embeddingID string) error
	ClearEmbeddingIDs(ctx context.Context, embeddingIDs []string) (clearedCount int, err error)
	ListEmbeddingIDs(ctx context.Context, repositoryID int64) ([]string, error)

	// Status operations
	GetStatus(ctx context.Context, repositoryID int64) (*RepositoryStatus, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Repository represents a tracked source tree
type Repository struct {
	ID        int64
	Name      string
	Path      string // Unique
	Hash      string // Fingerprint of the whole tree at the last clean sync
	CreatedAt time.Time
	UpdatedAt time.Time
}

// File represents a tracked source file
type File struct {
	ID           int64
	RepositoryID int64
	Name         string
	Path         string // Relative to repository root, unique within it
	Hash         string
	Language     string // Optional
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk represents a class or method level fragment of a file
type Chunk struct {
	ID           int64
	RepositoryID int64 // Denormalized from the owning file
	FileID       int64
	ChunkType    types.ChunkType
	Name         string
	Signature    string
	StartLine    int
	EndLine      int
	Hash         string // Unique within the owning file
	Content      string
	EmbeddingID  string // Empty until a vector is stored for this chunk
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasEmbedding reports whether the chunk is paired with a vector
func (c *Chunk) HasEmbedding() bool {
	return c.EmbeddingID != ""
}

// DocumentText returns the text used for embedding and reranking
func (c *Chunk) DocumentText() string {
	return types.DocumentText(c.Signature, c.Content)
}

// RepositoryStatus contains statistics about an indexed repository
type RepositoryStatus struct {
	Repository     *Repository
	FilesCount     int
	ActiveFiles    int
	ChunksCount    int
	EmbeddedChunks int
	PendingChunks  int
	IndexSizeMB    float64
}

// FromFragment converts an extracted fragment into an unsaved chunk row
func FromFragment(f types.Fragment, repositoryID, fileID int64, hash string) *Chunk {
	return &Chunk{
		RepositoryID: repositoryID,
		FileID:       fileID,
		ChunkType:    f.Type,
		Name:         f.Name,
		Signature:    f.Signature,
		StartLine:    f.StartLine,
		EndLine:      f.EndLine,
		Hash:         hash,
		Content:      f.Text,
	}
}
