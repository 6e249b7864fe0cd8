// Package embedder turns chunk and query text into vectors.
//
// Providers:
//
//   - jina, openai: hosted APIs sharing the {"data":[...]} response shape
//   - ollama: a local or remote Ollama server via /api/embed
//   - local: offline feature hashing over code-aware terms
//
// # Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "ollama", Model: "nomic-embed-text"})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{chunkA.DocumentText(), chunkB.DocumentText()},
//	})
//
// Embeddings come back in input order. Remote providers split large batches
// by MaxBatchSize, rate limit requests and retry temporary failures
// (network errors, 429 and 5xx) with exponential backoff.
//
// # Caching
//
// With CacheSize > 0, embeddings are cached in an LRU keyed by model and
// content hash, so unchanged text is never sent twice.
//
// # Error Handling
//
// Every failure to obtain vectors wraps ErrProviderFailed, which in turn
// wraps types.ErrModelServiceFailure:
//
//	if errors.Is(err, types.ErrModelServiceFailure) {
//	    // leave chunks pending and retry on the next sync
//	}
package embedder
