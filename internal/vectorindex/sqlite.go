package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/dshills/coderag/internal/storage"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vectors (
    embedding_id TEXT PRIMARY KEY,
    dimensions INTEGER NOT NULL,
    vector BLOB NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// deleteBatchSize bounds the ids bound in one DELETE; SQLite rejects
// statements with more than 32766 variables.
const deleteBatchSize = 500

// SQLite implements Index on a SQLite table of serialized vectors.
// Similarity is exact: computed in SQL by sqlite-vec when it is compiled in,
// otherwise in Go over every stored row.
type SQLite struct {
	mu         sync.RWMutex
	db         *sql.DB
	dimensions int
	logger     *slog.Logger
	closed     bool
}

// NewSQLite opens (or creates) a vector table in the database at dbPath
func NewSQLite(dbPath string, dimensions int, logger *slog.Logger) (*SQLite, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.OpenDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create vector table: %w", err)
	}

	logger.Debug("opened sqlite vector index",
		slog.String("build_mode", storage.BuildMode),
		slog.Bool("vector_extension", storage.VectorExtensionAvailable))

	return &SQLite{db: db, dimensions: dimensions, logger: logger}, nil
}

func (s *SQLite) Dimensions() int {
	return s.dimensions
}

func (s *SQLite) Upsert(ctx context.Context, id string, vector []float32) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if err := checkDimensions(s.dimensions, vector); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vectors (embedding_id, dimensions, vector) VALUES (?, ?, ?)
		ON CONFLICT(embedding_id) DO UPDATE SET
			dimensions = excluded.dimensions,
			vector = excluded.vector
	`, id, len(vector), serializeVector(vector))
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += deleteBatchSize {
		batch := ids[start:min(start+deleteBatchSize, len(ids))]

		args := make([]interface{}, len(batch))
		marks := make([]byte, 0, len(batch)*2)
		for i, id := range batch {
			args[i] = id
			if i > 0 {
				marks = append(marks, ',')
			}
			marks = append(marks, '?')
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE embedding_id IN (`+string(marks)+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete vectors: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vector delete: %w", err)
	}
	return nil
}

// QueryTopK ranks stored vectors by cosine similarity.
// Rows with a different dimension are never returned.
func (s *SQLite) QueryTopK(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := checkDimensions(s.dimensions, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	// Use SQL-based ranking when sqlite-vec is available
	if storage.VectorExtensionAvailable {
		return s.queryOptimized(ctx, vector, k)
	}
	return s.queryFallback(ctx, vector, k)
}

// queryOptimized computes distance in the database with vec_distance_cosine.
// sqlite-vec returns a distance (lower is better), converted to similarity.
func (s *SQLite) queryOptimized(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT embedding_id, 1.0 - vec_distance_cosine(vector, ?) AS similarity
		FROM vectors
		WHERE dimensions = ?
		ORDER BY similarity DESC, embedding_id
		LIMIT ?
	`, serializeVector(vector), len(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// queryFallback scores every row in Go for purego builds
func (s *SQLite) queryFallback(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT embedding_id, vector FROM vectors WHERE dimensions = ?`, len(vector))
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		candidate := deserializeVector(blob)
		if len(candidate) != len(vector) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: cosineSimilarity(vector, candidate)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLite) Contains(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vectors WHERE embedding_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) AllIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT embedding_id FROM vectors ORDER BY embedding_id`)
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

func (s *SQLite) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// serializeVector converts a float32 slice to a byte blob (little-endian).
// This is the layout sqlite-vec reads for float32 vectors.
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Index = (*SQLite)(nil)
