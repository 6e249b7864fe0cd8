// Package hasher computes the content fingerprints used for change detection.
//
// The same algorithm backs chunk, file and repository fingerprints, so any
// two fingerprints can be compared directly. Equal fingerprints are treated
// as equal content.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Size is the length of a hex encoded fingerprint
const Size = sha256.Size * 2

// Hash returns the hex encoded SHA-256 fingerprint of text
func Hash(text string) string {
	return HashBytes([]byte(text))
}

// HashBytes returns the hex encoded SHA-256 fingerprint of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileEntry pairs a repository-relative path with its file fingerprint
type FileEntry struct {
	Path string
	Hash string
}

// RepositoryHash fingerprints the state of a whole tree.
// Entries are sorted by path first so listing order does not matter.
func RepositoryHash(entries []FileEntry) string {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	h := sha256.New()
	for _, e := range sorted {
		// NUL cannot appear in a path, so the encoding is unambiguous
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
