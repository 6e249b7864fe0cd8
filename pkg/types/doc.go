// Package types holds the values shared between the indexer, the searcher
// and callers of the engine.
//
// A Fragment is what an extractor returns for one declaration in a file. A
// stored Fragment becomes a chunk, identified by the hash of its
// DocumentText. A SearchResult is one ranked chunk with its file and
// repository.
//
// Failures are reported as *StageError, which carries the repository, path
// and pipeline stage, and matches one of the Err* kinds with errors.Is:
//
//	if errors.Is(err, types.ErrModelServiceFailure) {
//	    // embedding or reranking service unavailable; retry later
//	}
package types
