package reranker

import (
	"context"

	"github.com/dshills/coderag/internal/tokenize"
)

// saturation limits how much repeated occurrences of a term add
const saturation = 1.2

// Lexical scores documents by how well they cover the query's code-aware
// terms. It needs no model service, which makes it the offline default.
//
// Each query term contributes tf/(tf+1.2); the sum is divided by the number
// of distinct query terms, so scores fall in [0, 1).
type Lexical struct{}

func (Lexical) Score(ctx context.Context, query, document string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return lexicalScore(tokenize.Set(query), document), nil
}

func (Lexical) ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	queryTerms := tokenize.Set(query)
	scores := make([]float64, len(documents))
	for i, doc := range documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores[i] = lexicalScore(queryTerms, doc)
	}
	return scores, nil
}

func (Lexical) Name() string { return "lexical" }

func (Lexical) Close() error { return nil }

func lexicalScore(queryTerms map[string]struct{}, document string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	tf := make(map[string]int, len(queryTerms))
	for _, term := range tokenize.Terms(document) {
		if _, ok := queryTerms[term]; ok {
			tf[term]++
		}
	}

	var sum float64
	for _, n := range tf {
		f := float64(n)
		sum += f / (f + saturation)
	}
	return sum / float64(len(queryTerms))
}

var _ BatchReranker = Lexical{}
