package reranker

import (
	"fmt"
	"log/slog"
	"strings"
)

// Provider names
const (
	ProviderHTTP    = "http"
	ProviderLexical = "lexical"
	ProviderBM25    = "bm25"
	ProviderNone    = "none"
)

// New selects a reranker by provider name
func New(provider string, cfg HTTPConfig, logger *slog.Logger) (Reranker, error) {
	switch strings.ToLower(provider) {
	case ProviderHTTP:
		return NewHTTP(cfg, logger), nil
	case ProviderLexical, "":
		return Lexical{}, nil
	case ProviderBM25:
		return BM25{}, nil
	case ProviderNone, "noop":
		return NoOp{}, nil
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", provider)
	}
}
