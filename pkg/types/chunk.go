package types

import (
	"errors"
	"strings"
)

// ChunkType represents the granularity of an extracted fragment
type ChunkType string

const (
	ChunkClass  ChunkType = "class"
	ChunkMethod ChunkType = "method"
)

// Valid reports whether the chunk type is one of the known kinds
func (t ChunkType) Valid() bool {
	switch t {
	case ChunkClass, ChunkMethod:
		return true
	default:
		return false
	}
}

// Fragment is a typed span of source text produced by an extractor.
// Fragments are the atomic unit of change detection and retrieval.
type Fragment struct {
	Type      ChunkType
	Name      string // Optional
	Signature string // Optional declaration text
	StartLine int
	EndLine   int
	Text      string
}

// Validate checks that the fragment can be stored as a chunk
func (f *Fragment) Validate() error {
	if !f.Type.Valid() {
		return errors.New("invalid chunk type")
	}

	if strings.TrimSpace(f.Text) == "" {
		return ErrEmptyContent
	}

	if f.StartLine < 0 || f.EndLine < 0 {
		return errors.New("line numbers must not be negative")
	}

	if f.StartLine > f.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	return nil
}

// DocumentText builds the text handed to embedding and reranking models:
// the signature followed by the source span, or the span alone.
func DocumentText(signature, text string) string {
	signature = strings.TrimSpace(signature)
	if signature == "" || strings.HasPrefix(strings.TrimSpace(text), signature) {
		return text
	}
	return signature + "\n" + text
}
