// Package reranker scores (query, document) pairs for the second retrieval
// stage. Higher scores mean more relevant.
package reranker

import (
	"context"
	"fmt"

	"github.com/dshills/coderag/pkg/types"
)

// ErrRerankFailed wraps every failure to score candidates
var ErrRerankFailed = fmt.Errorf("reranking failed: %w", types.ErrModelServiceFailure)

// Reranker scores a single query/document pair
type Reranker interface {
	Score(ctx context.Context, query, document string) (float64, error)
	Name() string
	Close() error
}

// BatchReranker scores many documents against one query in a single call.
// Scores are returned in document order.
type BatchReranker interface {
	Reranker
	ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error)
}

// ScoreAll scores documents with one batched call when r supports it and
// falls back to one call per document otherwise.
func ScoreAll(ctx context.Context, r Reranker, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	if batch, ok := r.(BatchReranker); ok {
		scores, err := batch.ScoreBatch(ctx, query, documents)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(documents) {
			return nil, fmt.Errorf("%w: %s returned %d scores for %d documents",
				ErrRerankFailed, r.Name(), len(scores), len(documents))
		}
		return scores, nil
	}

	scores := make([]float64, len(documents))
	for i, doc := range documents {
		score, err := r.Score(ctx, query, doc)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}
	return scores, nil
}

// NoOp gives every document the same score, so ranking falls back to the
// similarity order.
type NoOp struct{}

func (NoOp) Score(ctx context.Context, query, document string) (float64, error) {
	return 0, ctx.Err()
}

func (NoOp) ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return make([]float64, len(documents)), nil
}

func (NoOp) Name() string { return "noop" }

func (NoOp) Close() error { return nil }

var _ BatchReranker = NoOp{}
