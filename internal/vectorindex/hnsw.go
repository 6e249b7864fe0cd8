package vectorindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"
)

// HNSWConfig configures the in-memory graph index
type HNSWConfig struct {
	Dimensions int
	Path       string // Graph file; metadata is written next to it. Empty disables persistence.
	M          int    // Max connections per layer (default 16)
	EfSearch   int    // Search breadth (default 20)
}

// HNSW implements Index with the pure Go coder/hnsw graph.
//
// Deletes are lazy: the node stays in the graph and only its id mapping is
// dropped, so queries over-fetch by the number of orphaned nodes. Compact
// rebuilds the graph without orphans.
type HNSW struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig
	logger *slog.Logger

	idMap   map[string]uint64 // embedding id -> graph key
	keyMap  map[uint64]string // graph key -> embedding id
	nextKey uint64

	closed bool
}

// hnswMetadata stores id mappings for persistence
type hnswMetadata struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewHNSW creates an empty graph index, loading the persisted graph when
// config.Path points at an existing file.
func NewHNSW(config HNSWConfig, logger *slog.Logger) (*HNSW, error) {
	if config.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", config.Dimensions)
	}
	if config.M == 0 {
		config.M = 16
	}
	if config.EfSearch == 0 {
		config.EfSearch = 20
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &HNSW{
		graph:  newGraph(config),
		config: config,
		logger: logger,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}

	if config.Path != "" {
		if _, err := os.Stat(config.Path); err == nil {
			if err := idx.load(context.Background()); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat index file: %w", err)
		}
	}

	return idx, nil
}

func newGraph(config HNSWConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = config.M
	graph.EfSearch = config.EfSearch
	graph.Ml = 0.25
	return graph
}

func (h *HNSW) Dimensions() int {
	return h.config.Dimensions
}

// Upsert adds the vector under a fresh graph key and orphans any previous one
func (h *HNSW) Upsert(ctx context.Context, id string, vector []float32) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if err := checkDimensions(h.config.Dimensions, vector); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	if existing, ok := h.idMap[id]; ok {
		delete(h.keyMap, existing)
		delete(h.idMap, id)
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	key := h.nextKey
	h.nextKey++
	h.graph.Add(hnsw.MakeNode(key, vec))

	h.idMap[id] = key
	h.keyMap[key] = id
	return nil
}

func (h *HNSW) Delete(ctx context.Context, ids ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for _, id := range ids {
		if key, ok := h.idMap[id]; ok {
			delete(h.keyMap, key)
			delete(h.idMap, id)
		}
	}
	return nil
}

func (h *HNSW) QueryTopK(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := checkDimensions(h.config.Dimensions, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}
	if len(h.idMap) == 0 {
		return []Hit{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	orphans := h.graph.Len() - len(h.idMap)
	fetch := k + orphans
	if fetch > h.graph.Len() {
		fetch = h.graph.Len()
	}

	nodes := h.graph.Search(query, fetch)
	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, ok := h.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := h.graph.Distance(query, node.Value)
		hits = append(hits, Hit{ID: id, Score: 1 - float64(distance)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (h *HNSW) Contains(ctx context.Context, id string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false, ErrClosed
	}
	_, ok := h.idMap[id]
	return ok, nil
}

func (h *HNSW) AllIDs(ctx context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(h.idMap))
	for id := range h.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (h *HNSW) Count(ctx context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrClosed
	}
	return len(h.idMap), nil
}

// Orphans returns the number of lazily deleted nodes still in the graph
func (h *HNSW) Orphans() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}
	return h.graph.Len() - len(h.idMap)
}

// Compact rebuilds the graph from live nodes only
func (h *HNSW) Compact(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	graph := newGraph(h.config)
	idMap := make(map[string]uint64, len(h.idMap))
	keyMap := make(map[uint64]string, len(h.idMap))
	var next uint64

	for id, key := range h.idMap {
		if err := ctx.Err(); err != nil {
			return err
		}
		vec, ok := h.graph.Lookup(key)
		if !ok {
			continue
		}
		graph.Add(hnsw.MakeNode(next, vec))
		idMap[id] = next
		keyMap[next] = id
		next++
	}

	h.logger.Debug("compacted hnsw graph",
		slog.Int("before", h.graph.Len()),
		slog.Int("after", graph.Len()))

	h.graph = graph
	h.idMap = idMap
	h.keyMap = keyMap
	h.nextKey = next
	return nil
}

// Save writes the graph and its id mappings atomically (temp file + rename)
// while holding a cross-process file lock.
func (h *HNSW) Save(ctx context.Context) error {
	if h.config.Path == "" {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}

	unlock, err := lockFile(ctx, h.config.Path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(h.config.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(h.config.Path, func(f *os.File) error {
		return h.graph.Export(f)
	}); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	meta := hnswMetadata{IDMap: h.idMap, NextKey: h.nextKey, Dimensions: h.config.Dimensions}
	if err := writeAtomic(h.config.Path+".meta", func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (h *HNSW) load(ctx context.Context) error {
	unlock, err := lockFile(ctx, h.config.Path)
	if err != nil {
		return err
	}
	defer unlock()

	metaFile, err := os.Open(h.config.Path + ".meta")
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}
	if meta.Dimensions != h.config.Dimensions {
		return ErrDimensionMismatch{Expected: h.config.Dimensions, Got: meta.Dimensions}
	}

	graphFile, err := os.Open(h.config.Path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = graphFile.Close() }()

	// Import reads byte by byte
	if err := h.graph.Import(bufio.NewReader(graphFile)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	h.idMap = meta.IDMap
	if h.idMap == nil {
		h.idMap = make(map[string]uint64)
	}
	h.keyMap = make(map[uint64]string, len(h.idMap))
	for id, key := range h.idMap {
		h.keyMap[key] = id
	}
	h.nextKey = meta.NextKey

	h.logger.Debug("loaded hnsw graph",
		slog.String("path", h.config.Path),
		slog.Int("vectors", len(h.idMap)))
	return nil
}

// Close persists the graph when a path is configured
func (h *HNSW) Close() error {
	saveErr := h.Save(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.graph = nil

	if errors.Is(saveErr, ErrClosed) {
		return nil
	}
	return saveErr
}

func lockFile(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to lock index file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock index file %s", path)
	}
	return func() { _ = lock.Unlock() }, nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// normalizeInPlace scales v to unit length
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

var (
	_ Index     = (*HNSW)(nil)
	_ Persister = (*HNSW)(nil)
)
