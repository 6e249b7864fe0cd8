package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// OpenDatabase opens a SQLite database with appropriate settings.
// It is shared with the SQLite vector index so both stores agree on pragmas.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Wait for other processes sharing the file instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := OpenDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
// Both drivers surface the SQLite message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Repository operations

const repositoryColumns = `id, name, path, hash, created_at, updated_at`

func scanRepository(row interface{ Scan(...interface{}) error }) (*Repository, error) {
	var repo Repository
	err := row.Scan(&repo.ID, &repo.Name, &repo.Path, &repo.Hash, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// createRepositoryWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createRepositoryWithQuerier(ctx context.Context, q querier, repo *Repository) error {
	query := `
		INSERT INTO repositories (name, path, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := q.ExecContext(ctx, query, repo.Name, repo.Path, repo.Hash, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("repository %s: %w", repo.Path, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	repo.ID = id
	repo.CreatedAt = now
	repo.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateRepository(ctx context.Context, repo *Repository) error {
	return s.createRepositoryWithQuerier(ctx, s.querier(), repo)
}

// getRepositoryWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getRepositoryWithQuerier(ctx context.Context, q querier, path string) (*Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE path = ?`
	return scanRepository(q.QueryRowContext(ctx, query, path))
}

func (s *SQLiteStorage) GetRepository(ctx context.Context, path string) (*Repository, error) {
	return s.getRepositoryWithQuerier(ctx, s.querier(), path)
}

// getRepositoryByNameWithQuerier returns the oldest repository with the name
func (s *SQLiteStorage) getRepositoryByNameWithQuerier(ctx context.Context, q querier, name string) (*Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE name = ? ORDER BY id LIMIT 1`
	return scanRepository(q.QueryRowContext(ctx, query, name))
}

func (s *SQLiteStorage) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	return s.getRepositoryByNameWithQuerier(ctx, s.querier(), name)
}

func (s *SQLiteStorage) getRepositoryByIDWithQuerier(ctx context.Context, q querier, repositoryID int64) (*Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE id = ?`
	return scanRepository(q.QueryRowContext(ctx, query, repositoryID))
}

func (s *SQLiteStorage) GetRepositoryByID(ctx context.Context, repositoryID int64) (*Repository, error) {
	return s.getRepositoryByIDWithQuerier(ctx, s.querier(), repositoryID)
}

func (s *SQLiteStorage) updateRepositoryHashWithQuerier(ctx context.Context, q querier, repositoryID int64, hash string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE repositories SET hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now(), repositoryID)
	if err != nil {
		return fmt.Errorf("failed to update repository hash: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStorage) UpdateRepositoryHash(ctx context.Context, repositoryID int64, hash string) error {
	return s.updateRepositoryHashWithQuerier(ctx, s.querier(), repositoryID, hash)
}

func (s *SQLiteStorage) deleteRepositoryWithQuerier(ctx context.Context, q querier, repositoryID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, repositoryID)
	return err
}

func (s *SQLiteStorage) DeleteRepository(ctx context.Context, repositoryID int64) error {
	return s.deleteRepositoryWithQuerier(ctx, s.querier(), repositoryID)
}

func (s *SQLiteStorage) listRepositoriesWithQuerier(ctx context.Context, q querier) ([]*Repository, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	repos := make([]*Repository, 0)
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SQLiteStorage) ListRepositories(ctx context.Context) ([]*Repository, error) {
	return s.listRepositoriesWithQuerier(ctx, s.querier())
}

// File operations

const fileColumns = `id, repository_id, name, path, hash, language, is_active, created_at, updated_at`

func scanFile(row interface{ Scan(...interface{}) error }) (*File, error) {
	var file File
	var language sql.NullString
	err := row.Scan(
		&file.ID, &file.RepositoryID, &file.Name, &file.Path, &file.Hash,
		&language, &file.IsActive, &file.CreatedAt, &file.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	file.Language = language.String
	return &file, nil
}

// createFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) createFileWithQuerier(ctx context.Context, q querier, file *File) error {
	query := `
		INSERT INTO files (repository_id, name, path, hash, language, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	now := time.Now()
	err := q.QueryRowContext(ctx, query,
		file.RepositoryID, file.Name, file.Path, file.Hash,
		nullString(file.Language), file.IsActive, now, now).Scan(&file.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("file %s: %w", file.Path, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	file.CreatedAt = now
	file.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateFile(ctx context.Context, file *File) error {
	return s.createFileWithQuerier(ctx, s.querier(), file)
}

// getFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, repositoryID int64, path string) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE repository_id = ? AND path = ?`
	return scanFile(q.QueryRowContext(ctx, query, repositoryID, path))
}

func (s *SQLiteStorage) GetFile(ctx context.Context, repositoryID int64, path string) (*File, error) {
	return s.getFileWithQuerier(ctx, s.querier(), repositoryID, path)
}

// getFileByIDWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) getFileByIDWithQuerier(ctx context.Context, q querier, fileID int64) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`
	return scanFile(q.QueryRowContext(ctx, query, fileID))
}

func (s *SQLiteStorage) GetFileByID(ctx context.Context, fileID int64) (*File, error) {
	return s.getFileByIDWithQuerier(ctx, s.querier(), fileID)
}

// updateFileWithQuerier rewrites the mutable columns of a file
func (s *SQLiteStorage) updateFileWithQuerier(ctx context.Context, q querier, file *File) error {
	query := `
		UPDATE files
		SET name = ?, hash = ?, language = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now()
	result, err := q.ExecContext(ctx, query,
		file.Name, file.Hash, nullString(file.Language), file.IsActive, now, file.ID)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	file.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateFile(ctx context.Context, file *File) error {
	return s.updateFileWithQuerier(ctx, s.querier(), file)
}

// deleteFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteFileWithQuerier(ctx context.Context, q querier, fileID int64) error {
	query := `DELETE FROM files WHERE id = ?`
	_, err := q.ExecContext(ctx, query, fileID)
	return err
}

func (s *SQLiteStorage) DeleteFile(ctx context.Context, fileID int64) error {
	return s.deleteFileWithQuerier(ctx, s.querier(), fileID)
}

// listFilesWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) listFilesWithQuerier(ctx context.Context, q querier, repositoryID int64) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE repository_id = ? ORDER BY path`
	rows, err := q.QueryContext(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	files := make([]*File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (s *SQLiteStorage) ListFiles(ctx context.Context, repositoryID int64) ([]*File, error) {
	return s.listFilesWithQuerier(ctx, s.querier(), repositoryID)
}

// Chunk operations

const chunkColumns = `
	id, repository_id, file_id, chunk_type, name, signature, start_line, end_line,
	hash, content, embedding_id, created_at, updated_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*Chunk, error) {
	var chunk Chunk
	var name, signature, embeddingID sql.NullString
	err := row.Scan(
		&chunk.ID, &chunk.RepositoryID, &chunk.FileID, &chunk.ChunkType,
		&name, &signature, &chunk.StartLine, &chunk.EndLine,
		&chunk.Hash, &chunk.Content, &embeddingID, &chunk.CreatedAt, &chunk.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chunk.Name = name.String
	chunk.Signature = signature.String
	chunk.EmbeddingID = embeddingID.String
	return &chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	defer func() { _ = rows.Close() }()

	chunks := make([]*Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// createChunkWithQuerier inserts a chunk. A chunk whose hash already exists
// in the same file is rejected with ErrAlreadyExists.
func (s *SQLiteStorage) createChunkWithQuerier(ctx context.Context, q querier, chunk *Chunk) error {
	query := `
		INSERT INTO chunks (
			repository_id, file_id, chunk_type, name, signature, start_line, end_line,
			hash, content, embedding_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	now := time.Now()
	err := q.QueryRowContext(ctx, query,
		chunk.RepositoryID, chunk.FileID, chunk.ChunkType,
		nullString(chunk.Name), nullString(chunk.Signature),
		chunk.StartLine, chunk.EndLine, chunk.Hash, chunk.Content,
		nullString(chunk.EmbeddingID), now, now,
	).Scan(&chunk.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("chunk %s: %w", chunk.Hash, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create chunk: %w", err)
	}

	chunk.CreatedAt = now
	chunk.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateChunk(ctx context.Context, chunk *Chunk) error {
	return s.createChunkWithQuerier(ctx, s.querier(), chunk)
}

func (s *SQLiteStorage) getChunkWithQuerier(ctx context.Context, q querier, chunkID int64) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = ?`
	return scanChunk(q.QueryRowContext(ctx, query, chunkID))
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	return s.getChunkWithQuerier(ctx, s.querier(), chunkID)
}

func (s *SQLiteStorage) getChunkByHashWithQuerier(ctx context.Context, q querier, fileID int64, hash string) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id = ? AND hash = ?`
	return scanChunk(q.QueryRowContext(ctx, query, fileID, hash))
}

// GetChunkByHash looks up a chunk by its fingerprint within one file
func (s *SQLiteStorage) GetChunkByHash(ctx context.Context, fileID int64, hash string) (*Chunk, error) {
	return s.getChunkByHashWithQuerier(ctx, s.querier(), fileID, hash)
}

func (s *SQLiteStorage) getChunkByEmbeddingIDWithQuerier(ctx context.Context, q querier, embeddingID string) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE embedding_id = ?`
	return scanChunk(q.QueryRowContext(ctx, query, embeddingID))
}

// GetChunkByEmbeddingID resolves a vector index key back to its chunk
func (s *SQLiteStorage) GetChunkByEmbeddingID(ctx context.Context, embeddingID string) (*Chunk, error) {
	return s.getChunkByEmbeddingIDWithQuerier(ctx, s.querier(), embeddingID)
}

func (s *SQLiteStorage) listChunksByFileWithQuerier(ctx context.Context, q querier, fileID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id = ? ORDER BY start_line, id`
	rows, err := q.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

func (s *SQLiteStorage) ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error) {
	return s.listChunksByFileWithQuerier(ctx, s.querier(), fileID)
}

func (s *SQLiteStorage) listChunksByRepositoryWithQuerier(ctx context.Context, q querier, repositoryID int64) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE repository_id = ? ORDER BY file_id, start_line, id`
	rows, err := q.QueryContext(ctx, query, repositoryID)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

func (s *SQLiteStorage) ListChunksByRepository(ctx context.Context, repositoryID int64) ([]*Chunk, error) {
	return s.listChunksByRepositoryWithQuerier(ctx, s.querier(), repositoryID)
}

// listPendingChunksWithQuerier returns chunks that still lack an embedding.
// A non-positive limit returns all of them.
func (s *SQLiteStorage) listPendingChunksWithQuerier(ctx context.Context, q querier, repositoryID int64, limit int) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE repository_id = ? AND embedding_id IS NULL
		ORDER BY id`
	args := []interface{}{repositoryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

func (s *SQLiteStorage) ListPendingChunks(ctx context.Context, repositoryID int64, limit int) ([]*Chunk, error) {
	return s.listPendingChunksWithQuerier(ctx, s.querier(), repositoryID, limit)
}

// updateChunkSpanWithQuerier moves an unchanged chunk to new line numbers
func (s *SQLiteStorage) updateChunkSpanWithQuerier(ctx context.Context, q querier, chunkID int64, startLine, endLine int) error {
	result, err := q.ExecContext(ctx, `
		UPDATE chunks SET start_line = ?, end_line = ?, updated_at = ?
		WHERE id = ?
	`, startLine, endLine, time.Now(), chunkID)
	if err != nil {
		return fmt.Errorf("failed to update chunk span: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStorage) UpdateChunkSpan(ctx context.Context, chunkID int64, startLine, endLine int) error {
	return s.updateChunkSpanWithQuerier(ctx, s.querier(), chunkID, startLine, endLine)
}

// DeleteChunk deletes a single chunk by ID
func (s *SQLiteStorage) DeleteChunk(ctx context.Context, chunkID int64) error {
	return s.deleteChunkWithQuerier(ctx, s.querier(), chunkID)
}

// deleteChunkWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteChunkWithQuerier(ctx context.Context, q querier, chunkID int64) error {
	query := `DELETE FROM chunks WHERE id = ?`
	_, err := q.ExecContext(ctx, query, chunkID)
	return err
}

// DeleteChunksBatch deletes multiple chunks in a single query
func (s *SQLiteStorage) DeleteChunksBatch(ctx context.Context, chunkIDs []int64) (int, error) {
	return s.deleteChunksBatchWithQuerier(ctx, s.querier(), chunkIDs)
}

// deleteChunksBatchWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteChunksBatchWithQuerier(ctx context.Context, q querier, chunkIDs []int64) (int, error) {
	total := 0
	for start := 0; start < len(chunkIDs); start += maxBatchParams {
		batch := chunkIDs[start:min(start+maxBatchParams, len(chunkIDs))]

		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		query := `DELETE FROM chunks WHERE id IN (` + placeholders(len(batch)) + `)`
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(rowsAffected)
	}
	return total, nil
}

// deleteChunksByFileWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) deleteChunksByFileWithQuerier(ctx context.Context, q querier, fileID int64) error {
	query := `DELETE FROM chunks WHERE file_id = ?`
	_, err := q.ExecContext(ctx, query, fileID)
	return err
}

func (s *SQLiteStorage) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	return s.deleteChunksByFileWithQuerier(ctx, s.querier(), fileID)
}

// Embedding id operations

// setChunkEmbeddingIDWithQuerier pairs a chunk with a stored vector.
// Only chunks without an id are updated; ErrNotFound means the chunk was
// deleted or already paired and the caller owns the stray vector.
func (s *SQLiteStorage) setChunkEmbeddingIDWithQuerier(ctx context.Context, q querier, chunkID int64, embeddingID string) error {
	if embeddingID == "" {
		return errors.New("embedding id cannot be empty")
	}
	result, err := q.ExecContext(ctx,
		`UPDATE chunks SET embedding_id = ?, updated_at = ? WHERE id = ? AND embedding_id IS NULL`,
		embeddingID, time.Now(), chunkID)
	if isUniqueViolation(err) {
		return fmt.Errorf("embedding id %s: %w", embeddingID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to set embedding id: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStorage) SetChunkEmbeddingID(ctx context.Context, chunkID int64, embeddingID string) error {
	return s.setChunkEmbeddingIDWithQuerier(ctx, s.querier(), chunkID, embeddingID)
}

// clearEmbeddingIDsWithQuerier drops dangling references so the chunks are re-embedded
func (s *SQLiteStorage) clearEmbeddingIDsWithQuerier(ctx context.Context, q querier, embeddingIDs []string) (int, error) {
	now := time.Now()
	total := 0
	for start := 0; start < len(embeddingIDs); start += maxBatchParams {
		batch := embeddingIDs[start:min(start+maxBatchParams, len(embeddingIDs))]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, now)
		for _, id := range batch {
			args = append(args, id)
		}

		query := `UPDATE chunks SET embedding_id = NULL, updated_at = ?
			WHERE embedding_id IN (` + placeholders(len(batch)) + `)`
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to clear embedding ids: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(rowsAffected)
	}
	return total, nil
}

func (s *SQLiteStorage) ClearEmbeddingIDs(ctx context.Context, embeddingIDs []string) (int, error) {
	return s.clearEmbeddingIDsWithQuerier(ctx, s.querier(), embeddingIDs)
}

// listEmbeddingIDsWithQuerier returns every paired embedding id of a
// repository, or of all repositories when repositoryID is zero.
func (s *SQLiteStorage) listEmbeddingIDsWithQuerier(ctx context.Context, q querier, repositoryID int64) ([]string, error) {
	query := `SELECT embedding_id FROM chunks WHERE embedding_id IS NOT NULL`
	var args []interface{}
	if repositoryID != 0 {
		query += ` AND repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) ListEmbeddingIDs(ctx context.Context, repositoryID int64) ([]string, error) {
	return s.listEmbeddingIDsWithQuerier(ctx, s.querier(), repositoryID)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier, repositoryID int64) (*RepositoryStatus, error) {
	repo, err := s.getRepositoryByIDWithQuerier(ctx, q, repositoryID)
	if err != nil {
		return nil, err
	}

	status := &RepositoryStatus{Repository: repo}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0)
		FROM files WHERE repository_id = ?
	`, repositoryID).Scan(&status.FilesCount, &status.ActiveFiles)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding_id)
		FROM chunks WHERE repository_id = ?
	`, repositoryID).Scan(&status.ChunksCount, &status.EmbeddedChunks)
	if err != nil {
		return nil, err
	}
	status.PendingChunks = status.ChunksCount - status.EmbeddedChunks

	// Calculate database size
	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context, repositoryID int64) (*RepositoryStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier(), repositoryID)
}

// Helper functions

// maxBatchParams bounds the ids bound in one IN (...) list; SQLite rejects
// statements with more than 32766 variables.
const maxBatchParams = 500

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transaction implementations delegate to the shared helpers with the tx querier

func (t *sqliteTx) CreateRepository(ctx context.Context, repo *Repository) error {
	return t.storage.createRepositoryWithQuerier(ctx, t.querier(), repo)
}

func (t *sqliteTx) GetRepository(ctx context.Context, path string) (*Repository, error) {
	return t.storage.getRepositoryWithQuerier(ctx, t.querier(), path)
}

func (t *sqliteTx) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	return t.storage.getRepositoryByNameWithQuerier(ctx, t.querier(), name)
}

func (t *sqliteTx) GetRepositoryByID(ctx context.Context, repositoryID int64) (*Repository, error) {
	return t.storage.getRepositoryByIDWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) UpdateRepositoryHash(ctx context.Context, repositoryID int64, hash string) error {
	return t.storage.updateRepositoryHashWithQuerier(ctx, t.querier(), repositoryID, hash)
}

func (t *sqliteTx) DeleteRepository(ctx context.Context, repositoryID int64) error {
	return t.storage.deleteRepositoryWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) ListRepositories(ctx context.Context) ([]*Repository, error) {
	return t.storage.listRepositoriesWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) CreateFile(ctx context.Context, file *File) error {
	return t.storage.createFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) GetFile(ctx context.Context, repositoryID int64, path string) (*File, error) {
	return t.storage.getFileWithQuerier(ctx, t.querier(), repositoryID, path)
}

func (t *sqliteTx) GetFileByID(ctx context.Context, fileID int64) (*File, error) {
	return t.storage.getFileByIDWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) UpdateFile(ctx context.Context, file *File) error {
	return t.storage.updateFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) DeleteFile(ctx context.Context, fileID int64) error {
	return t.storage.deleteFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) ListFiles(ctx context.Context, repositoryID int64) ([]*File, error) {
	return t.storage.listFilesWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) CreateChunk(ctx context.Context, chunk *Chunk) error {
	return t.storage.createChunkWithQuerier(ctx, t.querier(), chunk)
}

func (t *sqliteTx) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	return t.storage.getChunkWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) GetChunkByHash(ctx context.Context, fileID int64, hash string) (*Chunk, error) {
	return t.storage.getChunkByHashWithQuerier(ctx, t.querier(), fileID, hash)
}

func (t *sqliteTx) GetChunkByEmbeddingID(ctx context.Context, embeddingID string) (*Chunk, error) {
	return t.storage.getChunkByEmbeddingIDWithQuerier(ctx, t.querier(), embeddingID)
}

func (t *sqliteTx) ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error) {
	return t.storage.listChunksByFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) ListChunksByRepository(ctx context.Context, repositoryID int64) ([]*Chunk, error) {
	return t.storage.listChunksByRepositoryWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) ListPendingChunks(ctx context.Context, repositoryID int64, limit int) ([]*Chunk, error) {
	return t.storage.listPendingChunksWithQuerier(ctx, t.querier(), repositoryID, limit)
}

func (t *sqliteTx) UpdateChunkSpan(ctx context.Context, chunkID int64, startLine, endLine int) error {
	return t.storage.updateChunkSpanWithQuerier(ctx, t.querier(), chunkID, startLine, endLine)
}

func (t *sqliteTx) DeleteChunk(ctx context.Context, chunkID int64) error {
	return t.storage.deleteChunkWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) DeleteChunksBatch(ctx context.Context, chunkIDs []int64) (int, error) {
	return t.storage.deleteChunksBatchWithQuerier(ctx, t.querier(), chunkIDs)
}

func (t *sqliteTx) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	return t.storage.deleteChunksByFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) SetChunkEmbeddingID(ctx context.Context, chunkID int64, embeddingID string) error {
	return t.storage.setChunkEmbeddingIDWithQuerier(ctx, t.querier(), chunkID, embeddingID)
}

func (t *sqliteTx) ClearEmbeddingIDs(ctx context.Context, embeddingIDs []string) (int, error) {
	return t.storage.clearEmbeddingIDsWithQuerier(ctx, t.querier(), embeddingIDs)
}

func (t *sqliteTx) ListEmbeddingIDs(ctx context.Context, repositoryID int64) ([]string, error) {
	return t.storage.listEmbeddingIDsWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) GetStatus(ctx context.Context, repositoryID int64) (*RepositoryStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier(), repositoryID)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
