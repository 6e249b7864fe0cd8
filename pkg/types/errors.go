package types

import (
	"errors"
	"fmt"
)

// Failure kinds. Every StageError surfaced by the indexer or retriever
// matches exactly one of these through errors.Is.
var (
	// ErrSourceUnavailable means the source provider could not list or read files
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrExtractionFailure means a file's fragments could not be produced
	ErrExtractionFailure = errors.New("extraction failure")
	// ErrModelServiceFailure means an embedding or reranking call failed
	ErrModelServiceFailure = errors.New("model service failure")
	// ErrStoreInconsistency means the metadata store and vector index disagree
	ErrStoreInconsistency = errors.New("store inconsistency")
	// ErrStoreFailure means the metadata store or vector index rejected an operation
	ErrStoreFailure = errors.New("store failure")
	// ErrInvalidRequest means the caller supplied unusable arguments
	ErrInvalidRequest = errors.New("invalid request")
)

// Domain errors for type validation
var (
	ErrInvalidChunkID  = errors.New("invalid chunk ID")
	ErrInvalidRank     = errors.New("rank must be >= 1")
	ErrMissingFileInfo = errors.New("file info is required")
	ErrEmptyContent    = errors.New("content cannot be empty")
)

// Stage names the step of a sync or query that failed
type Stage string

const (
	StageList    Stage = "list"
	StageRead    Stage = "read"
	StageExtract Stage = "extract"
	StageCommit  Stage = "commit"
	StageEmbed   Stage = "embed"
	StageVector  Stage = "vector"
	StageDelete  Stage = "delete"
	StageQuery   Stage = "query"
	StageRerank  Stage = "rerank"
)

// StageError carries enough context to retry a failed operation safely.
// It matches both its Kind and the underlying cause with errors.Is.
type StageError struct {
	Repository string
	Path       string // Empty for repository-wide failures
	Stage      Stage
	Kind       error
	Err        error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Stage)
	if e.Repository != "" {
		msg += " repository=" + e.Repository
	}
	if e.Path != "" {
		msg += " path=" + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError builds a StageError of the given kind
func NewStageError(kind error, stage Stage, repository, path string, err error) *StageError {
	return &StageError{
		Repository: repository,
		Path:       path,
		Stage:      stage,
		Kind:       kind,
		Err:        err,
	}
}
