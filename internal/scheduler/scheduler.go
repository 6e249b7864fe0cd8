// Package scheduler re-syncs registered repositories in the background, on a
// fixed interval and, for local repositories, when files change on disk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/coderag/internal/indexer"
	"github.com/dshills/coderag/internal/source"
)

// Syncer runs one repository sync
type Syncer interface {
	SyncRepository(ctx context.Context, provider source.Provider) (*indexer.Statistics, error)
}

// Config contains configuration for the scheduler
type Config struct {
	Interval       time.Duration // Zero disables periodic syncs
	Watch          bool          // Watch local repositories with fsnotify
	Debounce       time.Duration // Quiet period after the last change (default: 2s)
	IgnoredFolders []string      // Directory names never watched

	// OnSync is called after every background sync
	OnSync func(location string, stats *indexer.Statistics, err error)
}

// Scheduler triggers syncs of registered repositories. A repository is
// never synced twice at once: a trigger that arrives while its sync runs
// is queued and runs after the quiet period.
type Scheduler struct {
	syncer Syncer
	config Config
	logger *slog.Logger

	inflight *indexer.RepositoryLocks
	watcher  *fsnotify.Watcher // Only touched by the Run goroutine

	mu        sync.Mutex
	providers map[string]source.Provider
	pending   map[string]time.Time

	wg sync.WaitGroup
}

// New creates a scheduler with no registered repositories
func New(syncer Syncer, config Config, logger *slog.Logger) *Scheduler {
	if config.Debounce <= 0 {
		config.Debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		syncer:    syncer,
		config:    config,
		logger:    logger,
		inflight:  indexer.NewRepositoryLocks(),
		providers: make(map[string]source.Provider),
		pending:   make(map[string]time.Time),
	}
}

// Register adds a repository. Registering the same location again replaces
// its provider.
func (s *Scheduler) Register(provider source.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.Location()] = provider
}

// Unregister removes a repository and drops any queued trigger for it
func (s *Scheduler) Unregister(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, location)
	delete(s.pending, location)
}

// Locations lists registered repositories in sorted order
func (s *Scheduler) Locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	locations := make([]string, 0, len(s.providers))
	for location := range s.providers {
		locations = append(locations, location)
	}
	sort.Strings(locations)
	return locations
}

// Providers returns registered repositories in location order
func (s *Scheduler) Providers() []source.Provider {
	locations := s.Locations()
	providers := make([]source.Provider, 0, len(locations))
	for _, location := range locations {
		if p, ok := s.provider(location); ok {
			providers = append(providers, p)
		}
	}
	return providers
}

func (s *Scheduler) provider(location string) (source.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[location]
	return p, ok
}

// SyncNow syncs one registered repository and waits for it, queuing behind
// a background sync of the same repository if one is running.
func (s *Scheduler) SyncNow(ctx context.Context, location string) (*indexer.Statistics, error) {
	provider, ok := s.provider(location)
	if !ok {
		return nil, fmt.Errorf("repository %s is not registered", location)
	}

	unlock, err := s.inflight.Lock(ctx, location)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.syncer.SyncRepository(ctx, provider)
}

// Trigger queues a background sync of location. It runs once the debounce
// period passes without another trigger for the same repository.
func (s *Scheduler) Trigger(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[location]; ok {
		s.pending[location] = time.Now()
	}
}

// Run syncs every registered repository once, then keeps triggering syncs
// until ctx is done. It waits for in-flight syncs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if s.config.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		s.watcher = watcher
		defer func() {
			_ = watcher.Close()
			s.watcher = nil
		}()

		for _, location := range s.Locations() {
			provider, _ := s.provider(location)
			if _, ok := provider.(*source.Local); ok {
				s.addRecursive(watcher, location)
			}
		}
		events = watcher.Events
		watchErrors = watcher.Errors
	}

	for _, location := range s.Locations() {
		s.start(ctx, location)
	}

	var tick <-chan time.Time
	if s.config.Interval > 0 {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	poll := s.config.Debounce / 4
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	pendingTicker := time.NewTicker(poll)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			for _, location := range s.Locations() {
				s.start(ctx, location)
			}

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(event)

		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			s.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-pendingTicker.C:
			for _, location := range s.due(time.Now()) {
				s.start(ctx, location)
			}
		}
	}
}

// due removes and returns the triggers whose quiet period has passed
func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []string
	for location, at := range s.pending {
		if now.Sub(at) >= s.config.Debounce {
			ready = append(ready, location)
			delete(s.pending, location)
		}
	}
	sort.Strings(ready)
	return ready
}

// start runs a background sync unless one is already running for location,
// in which case the trigger is queued again.
func (s *Scheduler) start(ctx context.Context, location string) {
	provider, ok := s.provider(location)
	if !ok {
		return
	}

	unlock, ok := s.inflight.TryLock(location)
	if !ok {
		s.Trigger(location)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unlock()

		stats, err := s.syncer.SyncRepository(ctx, provider)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("background sync failed",
				slog.String("repository", location),
				slog.String("error", err.Error()))
		}
		if s.config.OnSync != nil {
			s.config.OnSync(location, stats, err)
		}
	}()
}

// handleEvent maps a filesystem event to the repository containing it
func (s *Scheduler) handleEvent(event fsnotify.Event) {
	location := s.owner(event.Name)
	if location == "" {
		return
	}
	rel, err := filepath.Rel(location, event.Name)
	if err != nil || s.ignored(rel) {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create && s.watcher != nil {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			s.addRecursive(s.watcher, event.Name)
		}
	}

	s.Trigger(location)
}

// owner returns the registered repository containing path, preferring the
// deepest root when repositories are nested.
func (s *Scheduler) owner(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	for location, provider := range s.providers {
		if _, ok := provider.(*source.Local); !ok {
			continue
		}
		if path == location || strings.HasPrefix(path, location+string(filepath.Separator)) {
			if len(location) > len(best) {
				best = location
			}
		}
	}
	return best
}

func (s *Scheduler) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		for _, folder := range s.config.IgnoredFolders {
			if part == folder {
				return true
			}
		}
	}
	return false
}

// addRecursive watches dir and every non-ignored directory below it
func (s *Scheduler) addRecursive(watcher *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && s.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Warn("failed to watch directory",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})
}
