package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	h1 := Hash("def foo(): pass")
	h2 := Hash("def foo(): pass")
	h3 := Hash("def foo(): return 1")

	assert.Equal(t, h1, h2, "same text should produce same fingerprint")
	assert.NotEqual(t, h1, h3, "different text should produce different fingerprints")
	assert.Len(t, h1, Size)
	assert.Equal(t, Hash("abc"), HashBytes([]byte("abc")))
}

func TestHashKnownValue(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(""))
}

func TestRepositoryHash(t *testing.T) {
	a := []FileEntry{{Path: "a.py", Hash: Hash("foo")}, {Path: "b.py", Hash: Hash("bar")}}
	b := []FileEntry{{Path: "b.py", Hash: Hash("bar")}, {Path: "a.py", Hash: Hash("foo")}}

	t.Run("order independent", func(t *testing.T) {
		assert.Equal(t, RepositoryHash(a), RepositoryHash(b))
	})

	t.Run("does not reorder input", func(t *testing.T) {
		RepositoryHash(b)
		assert.Equal(t, "b.py", b[0].Path)
	})

	t.Run("content change", func(t *testing.T) {
		changed := []FileEntry{{Path: "a.py", Hash: Hash("foo2")}, {Path: "b.py", Hash: Hash("bar")}}
		assert.NotEqual(t, RepositoryHash(a), RepositoryHash(changed))
	})

	t.Run("rename", func(t *testing.T) {
		renamed := []FileEntry{{Path: "c.py", Hash: Hash("foo")}, {Path: "b.py", Hash: Hash("bar")}}
		assert.NotEqual(t, RepositoryHash(a), RepositoryHash(renamed))
	})

	t.Run("empty tree", func(t *testing.T) {
		assert.Len(t, RepositoryHash(nil), Size)
		assert.NotEqual(t, RepositoryHash(nil), RepositoryHash(a))
	})
}
