package indexer

import (
	"context"
	"sync"
)

// RepositoryLocks serializes work per repository while letting different
// repositories proceed in parallel. Entries are dropped once nobody holds
// or waits for them.
type RepositoryLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewRepositoryLocks creates an empty lock set
func NewRepositoryLocks() *RepositoryLocks {
	return &RepositoryLocks{locks: make(map[string]*lockEntry)}
}

func (l *RepositoryLocks) acquireEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *RepositoryLocks) releaseEntry(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *RepositoryLocks) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)
	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.releaseEntry(key, e)
		}, nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key without blocking. It reports false when the key is
// already held.
func (l *RepositoryLocks) TryLock(key string) (func(), bool) {
	e := l.acquireEntry(key)
	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.releaseEntry(key, e)
		}, true
	default:
		l.releaseEntry(key, e)
		return nil, false
	}
}
