// Package searcher answers natural-language queries in two stages: a vector
// similarity search over chunk embeddings, then a reranking pass over the
// candidates.
//
// # Basic Usage
//
//	s, err := searcher.New(store, vectors, emb, rr, searcher.Config{}, logger)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := s.Search(ctx, searcher.Request{
//	    Query:      "parse the configuration file",
//	    TopK:       10,
//	    RerankTopN: 50,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %.3f %s:%d %s\n",
//	        r.Rank, r.Score, r.File.Path, r.StartLine, r.Name)
//	}
//
// # Ranking
//
// The query is embedded and the vector index returns up to RerankTopN
// candidates. Candidates whose chunk no longer exists are dropped. The
// reranker scores the survivors against the query and the best TopK are
// returned by descending score; equal scores keep their similarity order.
//
// RerankTopN below TopK is raised to TopK. TopK is capped at MaxTopK.
//
// # Caching
//
// With Request.UseCache set, responses are cached by query and parameters
// for Config.CacheTTL. Callers that change the index call InvalidateCache.
package searcher
