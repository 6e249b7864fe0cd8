package source

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
)

// Local reads a project from a directory on disk
type Local struct {
	root   string
	filter Filter
	logger *slog.Logger
}

// NewLocal creates a provider rooted at dir, which must exist
func NewLocal(dir string, filter Filter, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a valid directory: %s", dir)
	}

	return &Local{root: root, filter: filter, logger: logger}, nil
}

func (l *Local) Location() string {
	return l.root
}

// ListFiles walks the tree, pruning ignored folders, and returns the
// matching files sorted by path. Symlinks are not followed.
func (l *Local) ListFiles(ctx context.Context) ([]string, error) {
	var files []string

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return &AccessError{Path: p, Err: err}
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if p != l.root && l.filter.ignoredFolder(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !l.filter.Allow(rel) {
			return nil
		}

		if l.filter.MaxFileSize > 0 {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.Size() > l.filter.MaxFileSize {
				l.logger.Debug("skipping large file",
					slog.String("path", rel),
					slog.Int64("size", info.Size()))
				return nil
			}
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	l.logger.Debug("listed local files",
		slog.String("root", l.root),
		slog.Int("files", len(files)))
	return files, nil
}

// GetFileContent reads a file; invalid UTF-8 sequences are dropped
func (l *Local) GetFileContent(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel, err := cleanRelative(p)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(rel)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", &NotFoundError{Path: p}
	case errors.Is(err, fs.ErrPermission):
		return "", &AccessError{Path: p, Err: err}
	case err != nil:
		return "", fmt.Errorf("read %s: %w", p, err)
	}

	return strings.ToValidUTF8(string(data), ""), nil
}

var _ Provider = (*Local)(nil)
