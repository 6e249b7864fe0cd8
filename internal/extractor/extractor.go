// Package extractor defines how file content becomes typed fragments.
//
// Parsing lives outside this module: callers plug in any implementation,
// typically a tree-sitter or language-server backed splitter.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/coderag/pkg/types"
)

// ErrUnsupportedLanguage is returned when no extractor handles a language
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Extractor splits file content into class and method level fragments,
// ordered by position. language may be empty when unknown.
type Extractor interface {
	Extract(ctx context.Context, content, language string) ([]types.Fragment, error)
}

// Func adapts a function to the Extractor interface
type Func func(ctx context.Context, content, language string) ([]types.Fragment, error)

func (f Func) Extract(ctx context.Context, content, language string) ([]types.Fragment, error) {
	return f(ctx, content, language)
}

// ByLanguage routes each file to the extractor registered for its language,
// falling back to Default when set.
type ByLanguage struct {
	Extractors map[string]Extractor
	Default    Extractor
}

func (b ByLanguage) Extract(ctx context.Context, content, language string) ([]types.Fragment, error) {
	if e, ok := b.Extractors[language]; ok {
		return e.Extract(ctx, content, language)
	}
	if b.Default != nil {
		return b.Default.Extract(ctx, content, language)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
}

// Validated wraps an extractor and rejects any fragment that fails
// types.Fragment.Validate, so malformed output surfaces as an error for the
// whole file instead of a bad row.
func Validated(e Extractor) Extractor {
	return Func(func(ctx context.Context, content, language string) ([]types.Fragment, error) {
		fragments, err := e.Extract(ctx, content, language)
		if err != nil {
			return nil, err
		}
		for i := range fragments {
			if err := fragments[i].Validate(); err != nil {
				return nil, fmt.Errorf("fragment %d: %w", i, err)
			}
		}
		return fragments, nil
	})
}

var (
	_ Extractor = Func(nil)
	_ Extractor = ByLanguage{}
)
