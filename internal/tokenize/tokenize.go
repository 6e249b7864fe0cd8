// Package tokenize splits source text into lowercase, code-aware terms.
// It backs the offline embedder and the lexical reranker.
package tokenize

import (
	"regexp"
	"strings"
	"unicode"
)

var wordPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

// stopWords are language keywords that carry no retrieval signal
var stopWords = map[string]bool{
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "from": true, "const": true,
	"var": true, "let": true, "self": true, "this": true,
	"new": true, "public": true, "private": true, "static": true,
	"void": true, "true": true, "false": true, "nil": true,
	"null": true, "none": true, "pass": true, "the": true,
}

// Terms returns the code-aware terms of text with stop words and
// single-character tokens removed.
func Terms(text string) []string {
	words := wordPattern.FindAllString(text, -1)
	terms := make([]string, 0, len(words))
	for _, word := range words {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) < 2 || stopWords[lower] {
				continue
			}
			terms = append(terms, lower)
		}
	}
	return terms
}

// Set returns the distinct terms of text
func Set(text string) map[string]struct{} {
	terms := Terms(text)
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// splitIdentifier breaks snake_case and camelCase identifiers apart.
// "parseHTTPRequest" becomes ["parse", "HTTP", "Request"].
func splitIdentifier(word string) []string {
	var parts []string
	for _, segment := range strings.Split(word, "_") {
		if segment == "" {
			continue
		}
		parts = append(parts, splitCamelCase(segment)...)
	}
	return parts
}

func splitCamelCase(s string) []string {
	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
