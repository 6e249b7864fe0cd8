package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/coderag/internal/source"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

// SyncAll syncs each provider, at most Workers repositories at a time.
// Syncs of different repositories are independent: one failing does not
// stop the others. Statistics are returned in provider order.
func (idx *Indexer) SyncAll(ctx context.Context, providers []source.Provider) ([]*Statistics, error) {
	results := make([]*Statistics, len(providers))
	errs := make([]error, len(providers))

	var g errgroup.Group
	g.SetLimit(idx.config.Workers)
	for i, p := range providers {
		g.Go(func() error {
			results[i], errs[i] = idx.SyncRepository(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// DeleteRepository stops tracking a repository and removes all its files,
// chunks and vectors. Unknown locations return storage.ErrNotFound.
func (idx *Indexer) DeleteRepository(ctx context.Context, location string) error {
	unlock, err := idx.locks.Lock(ctx, location)
	if err != nil {
		return err
	}
	defer unlock()

	idx.maintenance.RLock()
	defer idx.maintenance.RUnlock()

	repo, err := idx.storage.GetRepository(ctx, location)
	if err != nil {
		return err
	}

	ids, err := idx.storage.ListEmbeddingIDs(ctx, repo.ID)
	if err != nil {
		return idx.storeError(types.StageDelete, location, "", err)
	}
	if err := idx.storage.DeleteRepository(ctx, repo.ID); err != nil {
		return idx.storeError(types.StageDelete, location, "", err)
	}

	stats := &Statistics{Repository: location}
	idx.deleteVectors(ctx, ids, location, "", stats)
	if err := idx.persistVectors(ctx); err != nil {
		return idx.storeError(types.StageVector, location, "", err)
	}

	idx.logger.Info("repository deleted",
		slog.String("repository", location),
		slog.Int("vectors", len(ids)),
		slog.Int("orphaned_vectors", stats.OrphanedVectors))
	return nil
}

// ConsistencyReport lists disagreements between the metadata store and the
// vector index.
type ConsistencyReport struct {
	Checked int // Embedding ids recorded in the metadata store
	// Orphans are vector ids no chunk references
	Orphans []string
	// Missing are embedding ids recorded on chunks that have no vector
	Missing  []string
	Duration time.Duration
}

// Consistent reports whether the stores agree
func (r *ConsistencyReport) Consistent() bool {
	return len(r.Orphans) == 0 && len(r.Missing) == 0
}

// Err returns an ErrStoreInconsistency error describing the report, or nil
func (r *ConsistencyReport) Err() error {
	if r.Consistent() {
		return nil
	}
	return types.NewStageError(types.ErrStoreInconsistency, types.StageVector, "", "",
		fmt.Errorf("%d orphaned vectors, %d missing vectors", len(r.Orphans), len(r.Missing)))
}

// CheckConsistency compares every embedding id in the metadata store with
// the ids held by the vector index. It blocks syncs while it runs.
func (idx *Indexer) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	idx.maintenance.Lock()
	defer idx.maintenance.Unlock()

	return idx.checkConsistency(ctx)
}

func (idx *Indexer) checkConsistency(ctx context.Context) (*ConsistencyReport, error) {
	start := time.Now()

	repos, err := idx.storage.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	referenced := make(map[string]bool)
	for _, repo := range repos {
		ids, err := idx.storage.ListEmbeddingIDs(ctx, repo.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list embedding ids for %s: %w", repo.Path, err)
		}
		for _, id := range ids {
			referenced[id] = true
		}
	}

	stored, err := idx.vectors.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector ids: %w", err)
	}
	present := make(map[string]bool, len(stored))
	report := &ConsistencyReport{Checked: len(referenced)}

	for _, id := range stored {
		present[id] = true
		if !referenced[id] {
			report.Orphans = append(report.Orphans, id)
		}
	}
	for id := range referenced {
		if !present[id] {
			report.Missing = append(report.Missing, id)
		}
	}
	sort.Strings(report.Orphans)
	sort.Strings(report.Missing)

	report.Duration = time.Since(start)
	if !report.Consistent() {
		idx.logger.Warn("vector index inconsistent with metadata",
			slog.Int("orphans", len(report.Orphans)),
			slog.Int("missing", len(report.Missing)))
	}
	return report, nil
}

// Repair deletes orphaned vectors and clears missing embedding ids so the
// affected chunks are embedded again on the next sync of their repository.
// It also rebuilds the vector index without its lazily deleted entries.
// It re-checks under the exclusive lock rather than trusting a stale report.
func (idx *Indexer) Repair(ctx context.Context) (*ConsistencyReport, error) {
	idx.maintenance.Lock()
	defer idx.maintenance.Unlock()

	report, err := idx.checkConsistency(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.Orphans) > 0 {
		if err := idx.vectors.Delete(ctx, report.Orphans...); err != nil {
			return report, types.NewStageError(types.ErrStoreFailure, types.StageVector, "", "", err)
		}
	}
	if len(report.Missing) > 0 {
		if _, err := idx.storage.ClearEmbeddingIDs(ctx, report.Missing); err != nil {
			return report, types.NewStageError(types.ErrStoreFailure, types.StageVector, "", "", err)
		}
	}
	if err := idx.compactVectors(ctx, 0); err != nil {
		return report, types.NewStageError(types.ErrStoreFailure, types.StageVector, "", "", err)
	}
	if err := idx.persistVectors(ctx); err != nil {
		return report, types.NewStageError(types.ErrStoreFailure, types.StageVector, "", "", err)
	}
	if report.Consistent() {
		return report, nil
	}

	idx.logger.Info("repaired vector index",
		slog.Int("orphans_deleted", len(report.Orphans)),
		slog.Int("embeddings_cleared", len(report.Missing)))
	return report, nil
}

// Status returns per-repository counts from the metadata store
func (idx *Indexer) Status(ctx context.Context, location string) (*storage.RepositoryStatus, error) {
	repo, err := idx.storage.GetRepository(ctx, location)
	if err != nil {
		return nil, err
	}
	return idx.storage.GetStatus(ctx, repo.ID)
}
