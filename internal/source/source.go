// Package source lists the files of a project and returns their content.
//
// Paths are always repository-relative and slash separated, whatever the
// backing store, so they can be used directly as File.Path.
package source

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Provider acquires files for one repository
type Provider interface {
	// Location identifies the repository: an absolute directory or a project URL
	Location() string
	ListFiles(ctx context.Context) ([]string, error)
	GetFileContent(ctx context.Context, path string) (string, error)
}

// NotFoundError is returned when a path does not exist in the source
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("source file not found: %s", e.Path)
}

// AccessError is returned when the source refuses access to a path
type AccessError struct {
	Path string
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("source access denied for %s: %v", e.Path, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Filter decides which listed paths are indexed
type Filter struct {
	IgnoredFolders    []string // Matched against every directory component
	IgnoredFiles      []string // Matched against the base name, glob patterns allowed
	AllowedExtensions []string // With leading dot; empty allows every extension
	MaxFileSize       int64    // Bytes; zero disables the limit
}

// DefaultFilter returns the folder, file and extension lists used when
// nothing is configured.
func DefaultFilter() Filter {
	return Filter{
		IgnoredFolders: []string{
			".git", ".svn", ".hg", "node_modules", "vendor", "__pycache__",
			".venv", "venv", ".idea", ".vscode", "dist", "build", ".tox",
		},
		IgnoredFiles: []string{
			".DS_Store", "*.min.js", "*.lock", "package-lock.json",
		},
		AllowedExtensions: []string{
			".py", ".go", ".js", ".jsx", ".ts", ".tsx", ".java", ".kt",
			".rb", ".rs", ".c", ".h", ".cpp", ".hpp", ".cs", ".php",
			".scala", ".swift",
		},
		MaxFileSize: 1 << 20,
	}
}

// Allow reports whether a slash-separated relative path passes the filter
func (f Filter) Allow(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, dir := range parts[:len(parts)-1] {
		if f.ignoredFolder(dir) {
			return false
		}
	}

	name := parts[len(parts)-1]
	for _, pattern := range f.IgnoredFiles {
		if name == pattern {
			return false
		}
		if matched, _ := path.Match(pattern, name); matched {
			return false
		}
	}

	if len(f.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, allowed := range f.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (f Filter) ignoredFolder(name string) bool {
	for _, folder := range f.IgnoredFolders {
		if name == folder {
			return true
		}
	}
	return false
}

// cleanRelative validates a caller-supplied path and rejects anything that
// would escape the repository root.
func cleanRelative(p string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(p, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid source path %q", p)
	}
	return cleaned, nil
}
