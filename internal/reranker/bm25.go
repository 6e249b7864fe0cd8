package reranker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"

	"github.com/dshills/coderag/internal/tokenize"
)

// BM25 scores candidates by bleve keyword relevance over a throwaway
// in-memory index holding only the candidate set. Both query and documents are
// pre-split into code-aware terms so identifiers like parseJSON match
// "parse json".
type BM25 struct{}

type bm25Document struct {
	Content string `json:"content"`
}

func (b BM25) Score(ctx context.Context, query, document string) (float64, error) {
	scores, err := b.ScoreBatch(ctx, query, []string{document})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch returns zero for documents that share no term with the query
func (BM25) ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	scores := make([]float64, len(documents))
	terms := strings.Join(tokenize.Terms(query), " ")
	if len(documents) == 0 || terms == "" {
		return scores, ctx.Err()
	}

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = simple.Name

	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("%w: create bm25 index: %v", ErrRerankFailed, err)
	}
	defer func() { _ = index.Close() }()

	batch := index.NewBatch()
	for i, doc := range documents {
		content := strings.Join(tokenize.Terms(doc), " ")
		if err := batch.Index(strconv.Itoa(i), bm25Document{Content: content}); err != nil {
			return nil, fmt.Errorf("%w: index candidate %d: %v", ErrRerankFailed, i, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("%w: index candidates: %v", ErrRerankFailed, err)
	}

	matchQuery := bleve.NewMatchQuery(terms)
	matchQuery.SetField("content")

	request := bleve.NewSearchRequest(matchQuery)
	request.Size = len(documents)

	result, err := index.SearchInContext(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: bm25 search: %v", ErrRerankFailed, err)
	}

	for _, hit := range result.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(documents) {
			continue
		}
		scores[i] = hit.Score
	}
	return scores, nil
}

func (BM25) Name() string { return "bm25" }

func (BM25) Close() error { return nil }

var _ BatchReranker = BM25{}
