// Package storage provides SQLite-based persistence for repository metadata.
//
// The storage layer manages three related tables:
//   - repositories: tracked trees and their overall fingerprint
//   - files: per-file fingerprints, language and soft-delete flag
//   - chunks: class and method level fragments with their embedding ids
//
// Deleting a repository cascades to its files, and deleting a file cascades
// to its chunks. The cascade stays inside SQLite: embedding ids held by
// deleted chunks must be removed from the vector index by the caller.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage("coderag.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	repo := &storage.Repository{Name: "api", Path: "/src/api"}
//	if err := store.CreateRepository(ctx, repo); err != nil {
//	    return err
//	}
//
// # Transactions
//
// The indexer commits each file inside a transaction so a file's chunk set
// is replaced atomically:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	if err := tx.UpdateFile(ctx, file); err != nil {
//	    return err
//	}
//	if err := tx.CreateChunk(ctx, chunk); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// The pool holds a single connection, so reads issued while a transaction is
// open must go through the transaction.
//
// # Embedding ids
//
// A chunk's embedding id is NULL until a vector has been stored for it.
// SetChunkEmbeddingID only pairs unpaired chunks and reports ErrNotFound
// otherwise, which tells the caller to discard the vector it just wrote.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite. Building with the sqlite_vec
// tag switches to github.com/mattn/go-sqlite3 and loads sqlite-vec.
package storage
