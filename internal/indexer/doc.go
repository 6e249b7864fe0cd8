// Package indexer keeps the metadata store and the vector index in step with
// the current contents of each tracked repository.
//
// # Basic Usage
//
//	idx, err := indexer.New(store, vectors, emb, ext, indexer.Config{}, logger)
//	if err != nil {
//	    return err
//	}
//
//	stats, err := idx.SyncRepository(ctx, provider)
//	if err != nil {
//	    return err // listing, reading or storing failed; nothing half-applied
//	}
//	if err := stats.Err(); err != nil {
//	    // some files or embedding batches failed; the next sync retries them
//	}
//
// # Sync Pipeline
//
// A sync runs these steps under a per-repository lock:
//
//  1. List: ask the provider for every file path
//  2. Read: fetch and fingerprint each file in parallel, extracting
//     fragments from new or changed files
//  3. Short-circuit: stop when the repository fingerprint matches and no
//     chunk is waiting for an embedding
//  4. Commit: one transaction per changed file reconciles its chunks by
//     content hash, keeping unchanged chunks and their embeddings
//  5. Remove: files no longer listed are deleted, or marked inactive with
//     SoftDelete
//  6. Embed: every chunk without an embedding id is embedded in batches and
//     paired with a vector
//
// The repository fingerprint only advances when every file and batch
// succeeded, so a partial failure is always picked up again.
//
// # Pairing
//
// A chunk's embedding id is recorded only after its vector is stored.
// Vectors of deleted chunks are removed only after the deleting transaction
// commits. A failure between the two steps leaves at worst an orphaned
// vector, which queries skip and Repair removes.
package indexer
