package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/extractor"
	"github.com/dshills/coderag/internal/hasher"
	"github.com/dshills/coderag/internal/source"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/internal/vectorindex"
	"github.com/dshills/coderag/pkg/types"
)

// Indexer keeps the metadata store and vector index in agreement with what
// a source provider currently reports, re-embedding only changed chunks.
type Indexer struct {
	storage   storage.Storage
	vectors   vectorindex.Index
	embedder  embedder.Embedder
	extractor extractor.Extractor
	config    Config
	logger    *slog.Logger

	locks *RepositoryLocks
	// Syncs hold maintenance for reading; consistency repair holds it
	// exclusively so it never sees a vector between upsert and pairing.
	maintenance sync.RWMutex

	newEmbeddingID func() string
}

// Config contains configuration for the indexer
type Config struct {
	Workers        int  // Concurrent file reads and extractions (default: runtime.NumCPU())
	EmbedBatchSize int  // Chunks per embedding call (default: 32)
	SoftDelete     bool // Mark vanished files inactive instead of deleting them

	// CompactRatio is the number of dead vector index entries, as a fraction
	// of live vectors, above which the index is rebuilt before it is saved
	// (default: 0.25). Negative disables automatic compaction.
	CompactRatio float64
}

// Statistics contains statistics about one repository sync
type Statistics struct {
	Repository      string
	UpToDate        bool // Fingerprint matched; nothing was touched
	FilesScanned    int
	FilesAdded      int
	FilesUpdated    int
	FilesUnchanged  int
	FilesRemoved    int
	FilesFailed     int
	ChunksCreated   int
	ChunksDeleted   int
	ChunksUnchanged int
	ChunksEmbedded  int
	ChunksPending   int // Left without an embedding id for the next sync
	VectorsHealed   int // Dangling embedding ids cleared before embedding
	OrphanedVectors int // Vector deletes that failed after a commit
	Duration        time.Duration
	Errors          []*types.StageError
}

// Err joins the per-file and per-batch failures of the sync, or returns nil
func (s *Statistics) Err() error {
	if len(s.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(s.Errors))
	for i, e := range s.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (s *Statistics) addError(e *types.StageError) {
	s.Errors = append(s.Errors, e)
}

// New creates an indexer. The embedder and vector index must agree on the
// vector dimension.
func New(store storage.Storage, vectors vectorindex.Index, emb embedder.Embedder,
	ext extractor.Extractor, config Config, logger *slog.Logger) (*Indexer, error) {

	if store == nil || vectors == nil || emb == nil || ext == nil {
		return nil, errors.New("indexer requires storage, vector index, embedder and extractor")
	}
	if emb.Dimension() != vectors.Dimensions() {
		return nil, fmt.Errorf("embedder dimension %d does not match vector index dimension %d",
			emb.Dimension(), vectors.Dimensions())
	}

	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 32
	}
	if config.CompactRatio == 0 {
		config.CompactRatio = 0.25
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{
		storage:        store,
		vectors:        vectors,
		embedder:       emb,
		extractor:      extractor.Validated(ext),
		config:         config,
		logger:         logger,
		locks:          NewRepositoryLocks(),
		newEmbeddingID: uuid.NewString,
	}, nil
}

// snapshot is one listed file after the read phase
type snapshot struct {
	path      string
	content   string
	hash      string
	existing  *storage.File
	changed   bool
	fragments []types.Fragment
	err       *types.StageError
}

// SyncRepository brings the stores in line with provider's current state.
//
// Listing or reading failures abort before anything is written and return
// an ErrSourceUnavailable StageError. Extraction and embedding failures are
// isolated: they are recorded in Statistics.Errors, the rest of the sync
// completes and the repository fingerprint is left unchanged so the next
// sync retries them.
func (idx *Indexer) SyncRepository(ctx context.Context, provider source.Provider) (*Statistics, error) {
	start := time.Now()
	location := provider.Location()
	stats := &Statistics{Repository: location}
	defer func() { stats.Duration = time.Since(start) }()

	unlock, err := idx.locks.Lock(ctx, location)
	if err != nil {
		return stats, err
	}
	defer unlock()

	idx.maintenance.RLock()
	defer idx.maintenance.RUnlock()

	logger := idx.logger.With(slog.String("repository", location))

	paths, err := provider.ListFiles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, types.NewStageError(types.ErrSourceUnavailable, types.StageList, location, "", err)
	}
	stats.FilesScanned = len(paths)

	repo, existing, err := idx.loadRepository(ctx, location)
	if err != nil {
		return stats, idx.storeError(types.StageCommit, location, "", err)
	}

	snapshots, err := idx.readFiles(ctx, provider, paths, existing)
	if err != nil {
		return stats, err
	}

	entries := make([]hasher.FileEntry, len(snapshots))
	for i, snap := range snapshots {
		entries[i] = hasher.FileEntry{Path: snap.path, Hash: snap.hash}
	}
	repoHash := hasher.RepositoryHash(entries)

	if repo != nil && repo.Hash == repoHash {
		pending, err := idx.storage.ListPendingChunks(ctx, repo.ID, 1)
		if err != nil {
			return stats, idx.storeError(types.StageCommit, location, "", err)
		}
		if len(pending) == 0 {
			stats.UpToDate = true
			stats.FilesUnchanged = len(snapshots)
			logger.Debug("repository up to date")
			return stats, nil
		}
	}

	if repo == nil {
		repo = &storage.Repository{Name: repositoryName(location), Path: location}
		if err := idx.storage.CreateRepository(ctx, repo); err != nil {
			return stats, idx.storeError(types.StageCommit, location, "", err)
		}
		logger.Info("tracking new repository", slog.String("name", repo.Name))
	}

	if err := idx.healMissingVectors(ctx, repo, stats); err != nil {
		return stats, err
	}

	current := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		current[snap.path] = true

		if !snap.changed {
			stats.FilesUnchanged++
			continue
		}
		if snap.err != nil {
			stats.FilesFailed++
			stats.addError(snap.err)
			logger.Warn("skipping file",
				slog.String("path", snap.path),
				slog.String("stage", string(snap.err.Stage)),
				slog.String("error", snap.err.Err.Error()))
			continue
		}

		removed, err := idx.commitFile(ctx, repo, snap, stats)
		if err != nil {
			return stats, idx.storeError(types.StageCommit, location, snap.path, err)
		}
		idx.deleteVectors(ctx, removed, location, snap.path, stats)
	}

	if err := idx.removeVanished(ctx, repo, existing, current, stats); err != nil {
		return stats, err
	}

	if err := idx.embedPending(ctx, repo, stats); err != nil {
		return stats, err
	}

	if err := idx.persistVectors(ctx); err != nil {
		return stats, idx.storeError(types.StageVector, location, "", err)
	}

	if len(stats.Errors) == 0 && stats.ChunksPending == 0 {
		if err := idx.storage.UpdateRepositoryHash(ctx, repo.ID, repoHash); err != nil {
			return stats, idx.storeError(types.StageCommit, location, "", err)
		}
	}

	logger.Info("repository synced",
		slog.Int("files_added", stats.FilesAdded),
		slog.Int("files_updated", stats.FilesUpdated),
		slog.Int("files_removed", stats.FilesRemoved),
		slog.Int("files_failed", stats.FilesFailed),
		slog.Int("chunks_created", stats.ChunksCreated),
		slog.Int("chunks_deleted", stats.ChunksDeleted),
		slog.Int("chunks_embedded", stats.ChunksEmbedded),
		slog.Int("chunks_pending", stats.ChunksPending))

	return stats, nil
}

// loadRepository reads the stored repository and its files without
// creating anything. A repository never seen before yields nil.
func (idx *Indexer) loadRepository(ctx context.Context, location string) (*storage.Repository, map[string]*storage.File, error) {
	existing := make(map[string]*storage.File)

	repo, err := idx.storage.GetRepository(ctx, location)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, existing, nil
	}
	if err != nil {
		return nil, nil, err
	}

	files, err := idx.storage.ListFiles(ctx, repo.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range files {
		existing[f.Path] = f
	}
	return repo, existing, nil
}

// readFiles fetches and fingerprints every listed file in parallel and
// extracts fragments from the ones that changed. Extraction is pure, so
// it runs here ahead of the serialized commit phase.
func (idx *Indexer) readFiles(ctx context.Context, provider source.Provider,
	paths []string, existing map[string]*storage.File) ([]*snapshot, error) {

	location := provider.Location()
	snapshots := make([]*snapshot, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.config.Workers)

	for i, p := range paths {
		g.Go(func() error {
			content, err := provider.GetFileContent(gctx, p)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return types.NewStageError(types.ErrSourceUnavailable, types.StageRead, location, p, err)
			}

			snap := &snapshot{
				path:     p,
				content:  content,
				hash:     hasher.Hash(content),
				existing: existing[p],
			}
			// Inactive files lost their chunks, so they are re-extracted
			snap.changed = snap.existing == nil || !snap.existing.IsActive || snap.existing.Hash != snap.hash

			if snap.changed {
				fragments, err := idx.extractor.Extract(gctx, content, source.Language(p))
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					snap.err = types.NewStageError(types.ErrExtractionFailure, types.StageExtract, location, p, err)
				}
				snap.fragments = fragments
			}

			snapshots[i] = snap
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].path < snapshots[j].path
	})
	return snapshots, nil
}

// commitFile reconciles one file's chunks in a single transaction and
// returns the embedding ids of the chunks it deleted. Vectors are removed
// by the caller only after the commit succeeds.
func (idx *Indexer) commitFile(ctx context.Context, repo *storage.Repository,
	snap *snapshot, stats *Statistics) ([]string, error) {

	tx, err := idx.storage.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	file := snap.existing
	isNew := file == nil
	if isNew {
		file = &storage.File{
			RepositoryID: repo.ID,
			Name:         source.Name(snap.path),
			Path:         snap.path,
			Hash:         snap.hash,
			Language:     source.Language(snap.path),
			IsActive:     true,
		}
		if err := tx.CreateFile(ctx, file); err != nil {
			return nil, err
		}
	}

	stored, err := tx.ListChunksByFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	byHash := make(map[string]*storage.Chunk, len(stored))
	for _, c := range stored {
		byHash[c.Hash] = c
	}

	var created, unchanged int
	keep := make(map[string]bool, len(snap.fragments))
	for _, fragment := range snap.fragments {
		hash := hasher.Hash(types.DocumentText(fragment.Signature, fragment.Text))
		if keep[hash] {
			// Identical fragment text within one file is stored once
			continue
		}
		keep[hash] = true

		if existing, ok := byHash[hash]; ok {
			unchanged++
			if existing.StartLine != fragment.StartLine || existing.EndLine != fragment.EndLine {
				if err := tx.UpdateChunkSpan(ctx, existing.ID, fragment.StartLine, fragment.EndLine); err != nil {
					return nil, err
				}
			}
			continue
		}

		if err := tx.CreateChunk(ctx, storage.FromFragment(fragment, repo.ID, file.ID, hash)); err != nil {
			return nil, err
		}
		created++
	}

	var staleIDs []int64
	var removedEmbeddings []string
	for _, c := range stored {
		if keep[c.Hash] {
			continue
		}
		staleIDs = append(staleIDs, c.ID)
		if c.HasEmbedding() {
			removedEmbeddings = append(removedEmbeddings, c.EmbeddingID)
		}
	}
	if _, err := tx.DeleteChunksBatch(ctx, staleIDs); err != nil {
		return nil, err
	}

	if !isNew {
		file.Hash = snap.hash
		file.IsActive = true
		file.Language = source.Language(snap.path)
		if err := tx.UpdateFile(ctx, file); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if isNew {
		stats.FilesAdded++
	} else {
		stats.FilesUpdated++
	}
	stats.ChunksCreated += created
	stats.ChunksUnchanged += unchanged
	stats.ChunksDeleted += len(staleIDs)
	return removedEmbeddings, nil
}

// removeVanished drops files that are no longer listed. With SoftDelete the
// row stays, inactive and without chunks.
func (idx *Indexer) removeVanished(ctx context.Context, repo *storage.Repository,
	existing map[string]*storage.File, current map[string]bool, stats *Statistics) error {

	vanished := make([]*storage.File, 0)
	for p, f := range existing {
		if current[p] {
			continue
		}
		// Hard delete also clears rows left inactive by an earlier soft-delete run
		if f.IsActive || !idx.config.SoftDelete {
			vanished = append(vanished, f)
		}
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i].Path < vanished[j].Path })

	for _, f := range vanished {
		removed, deleted, err := idx.removeFile(ctx, f)
		if err != nil {
			return idx.storeError(types.StageDelete, repo.Path, f.Path, err)
		}
		stats.FilesRemoved++
		stats.ChunksDeleted += deleted
		idx.deleteVectors(ctx, removed, repo.Path, f.Path, stats)
	}
	return nil
}

func (idx *Indexer) removeFile(ctx context.Context, f *storage.File) ([]string, int, error) {
	tx, err := idx.storage.BeginTx(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunks, err := tx.ListChunksByFile(ctx, f.ID)
	if err != nil {
		return nil, 0, err
	}
	var embeddingIDs []string
	for _, c := range chunks {
		if c.HasEmbedding() {
			embeddingIDs = append(embeddingIDs, c.EmbeddingID)
		}
	}

	if idx.config.SoftDelete {
		if err := tx.DeleteChunksByFile(ctx, f.ID); err != nil {
			return nil, 0, err
		}
		f.IsActive = false
		if err := tx.UpdateFile(ctx, f); err != nil {
			return nil, 0, err
		}
	} else if err := tx.DeleteFile(ctx, f.ID); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return embeddingIDs, len(chunks), nil
}

// deleteVectors removes vectors whose chunks are already gone. A failure
// only leaves orphans, which queries skip and CheckConsistency repairs.
func (idx *Indexer) deleteVectors(ctx context.Context, ids []string, location, p string, stats *Statistics) {
	if len(ids) == 0 {
		return
	}
	if err := idx.vectors.Delete(context.WithoutCancel(ctx), ids...); err != nil {
		stats.OrphanedVectors += len(ids)
		idx.logger.Warn("failed to delete vectors",
			slog.String("repository", location),
			slog.String("path", p),
			slog.String("stage", string(types.StageVector)),
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()))
	}
}

// healMissingVectors clears embedding ids the vector index no longer holds
// so those chunks are embedded again in this sync.
func (idx *Indexer) healMissingVectors(ctx context.Context, repo *storage.Repository, stats *Statistics) error {
	ids, err := idx.storage.ListEmbeddingIDs(ctx, repo.ID)
	if err != nil {
		return idx.storeError(types.StageVector, repo.Path, "", err)
	}

	var missing []string
	for _, id := range ids {
		ok, err := idx.vectors.Contains(ctx, id)
		if err != nil {
			return idx.storeError(types.StageVector, repo.Path, "", err)
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	cleared, err := idx.storage.ClearEmbeddingIDs(ctx, missing)
	if err != nil {
		return idx.storeError(types.StageVector, repo.Path, "", err)
	}
	stats.VectorsHealed += cleared
	idx.logger.Warn("cleared dangling embedding ids",
		slog.String("repository", repo.Path),
		slog.String("stage", string(types.StageVector)),
		slog.Int("count", cleared))
	return nil
}

// embedPending embeds every chunk of the repository that has no embedding
// id yet, including chunks left over from earlier failed syncs.
//
// Each chunk is paired by upserting its vector under a fresh id and then
// recording that id on the chunk. If recording fails the vector is removed
// again, so a chunk never points at a missing vector.
func (idx *Indexer) embedPending(ctx context.Context, repo *storage.Repository, stats *Statistics) error {
	pending, err := idx.storage.ListPendingChunks(ctx, repo.ID, 0)
	if err != nil {
		return idx.storeError(types.StageEmbed, repo.Path, "", err)
	}

	for start := 0; start < len(pending); start += idx.config.EmbedBatchSize {
		end := start + idx.config.EmbedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.DocumentText()
		}

		resp, err := idx.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
		if err == nil && len(resp.Embeddings) != len(batch) {
			err = fmt.Errorf("%w: got %d embeddings for %d chunks",
				embedder.ErrProviderFailed, len(resp.Embeddings), len(batch))
		}
		if err != nil {
			if ctx.Err() != nil {
				stats.ChunksPending += len(pending) - start
				return ctx.Err()
			}
			stats.ChunksPending += len(batch)
			stats.addError(types.NewStageError(types.ErrModelServiceFailure, types.StageEmbed, repo.Path, "", err))
			idx.logger.Warn("embedding batch failed",
				slog.String("repository", repo.Path),
				slog.String("stage", string(types.StageEmbed)),
				slog.Int("chunks", len(batch)),
				slog.String("error", err.Error()))
			continue
		}

		for i, c := range batch {
			if err := idx.pair(ctx, c, resp.Embeddings[i].Vector); err != nil {
				if ctx.Err() != nil {
					stats.ChunksPending += len(pending) - start - i
					return ctx.Err()
				}
				stats.ChunksPending++
				stats.addError(types.NewStageError(types.ErrStoreFailure, types.StageVector, repo.Path, "", err))
				idx.logger.Warn("failed to store embedding",
					slog.String("repository", repo.Path),
					slog.String("stage", string(types.StageVector)),
					slog.Int64("chunk_id", c.ID),
					slog.String("error", err.Error()))
				continue
			}
			stats.ChunksEmbedded++
		}
	}
	return nil
}

func (idx *Indexer) pair(ctx context.Context, c *storage.Chunk, vector []float32) error {
	id := idx.newEmbeddingID()
	if err := idx.vectors.Upsert(ctx, id, vector); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	if err := idx.storage.SetChunkEmbeddingID(ctx, c.ID, id); err != nil {
		if delErr := idx.vectors.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			idx.logger.Warn("failed to roll back vector",
				slog.String("embedding_id", id),
				slog.String("error", delErr.Error()))
		}
		return fmt.Errorf("record embedding id: %w", err)
	}
	return nil
}

func (idx *Indexer) persistVectors(ctx context.Context) error {
	if idx.config.CompactRatio >= 0 {
		if err := idx.compactVectors(ctx, idx.config.CompactRatio); err != nil {
			return err
		}
	}
	if p, ok := idx.vectors.(vectorindex.Persister); ok {
		return p.Save(ctx)
	}
	return nil
}

// compactVectors rebuilds a lazily deleting index once its dead entries
// exceed ratio times the live vectors. A zero ratio compacts whenever any
// dead entry exists.
func (idx *Indexer) compactVectors(ctx context.Context, ratio float64) error {
	c, ok := idx.vectors.(vectorindex.Compacter)
	if !ok {
		return nil
	}
	orphans := c.Orphans()
	if orphans == 0 {
		return nil
	}
	live, err := idx.vectors.Count(ctx)
	if err != nil {
		return fmt.Errorf("count vectors: %w", err)
	}
	if float64(orphans) <= ratio*float64(live) {
		return nil
	}

	if err := c.Compact(ctx); err != nil {
		return fmt.Errorf("compact vectors: %w", err)
	}
	idx.logger.Info("compacted vector index",
		slog.Int("dead_entries", orphans),
		slog.Int("vectors", live))
	return nil
}

func (idx *Indexer) storeError(stage types.Stage, location, p string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewStageError(types.ErrStoreFailure, stage, location, p, err)
}

// repositoryName derives a display name from a directory or project URL
func repositoryName(location string) string {
	name := path.Base(filepath.ToSlash(location))
	if name == "." || name == "/" || name == "" {
		return location
	}
	return name
}
