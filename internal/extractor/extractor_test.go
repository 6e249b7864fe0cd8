package extractor

import (
	"context"
	"testing"

	"github.com/dshills/coderag/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(fragments ...types.Fragment) Extractor {
	return Func(func(ctx context.Context, content, language string) ([]types.Fragment, error) {
		return fragments, nil
	})
}

func TestByLanguage(t *testing.T) {
	ctx := context.Background()
	python := fixed(types.Fragment{Type: types.ChunkMethod, Name: "py", Text: "x"})
	fallback := fixed(types.Fragment{Type: types.ChunkMethod, Name: "default", Text: "x"})

	router := ByLanguage{Extractors: map[string]Extractor{"python": python}}

	got, err := router.Extract(ctx, "", "python")
	require.NoError(t, err)
	assert.Equal(t, "py", got[0].Name)

	_, err = router.Extract(ctx, "", "go")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	router.Default = fallback
	got, err = router.Extract(ctx, "", "go")
	require.NoError(t, err)
	assert.Equal(t, "default", got[0].Name)
}

func TestValidated(t *testing.T) {
	ctx := context.Background()

	good := Validated(fixed(types.Fragment{Type: types.ChunkClass, StartLine: 1, EndLine: 3, Text: "class A: pass"}))
	got, err := good.Extract(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	bad := Validated(fixed(
		types.Fragment{Type: types.ChunkMethod, StartLine: 1, EndLine: 1, Text: "ok"},
		types.Fragment{Type: "module", StartLine: 1, EndLine: 1, Text: "x"},
	))
	_, err = bad.Extract(ctx, "", "")
	assert.ErrorContains(t, err, "fragment 1")

	empty := Validated(fixed(types.Fragment{Type: types.ChunkMethod, Text: "   "}))
	_, err = empty.Extract(ctx, "", "")
	assert.ErrorIs(t, err, types.ErrEmptyContent)
}
