package tokenize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerms(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"snake case", "def parse_json(raw):", []string{"parse", "json", "raw"}},
		{"camel case", "parseHTTPRequest", []string{"parse", "http", "request"}},
		{"pascal case", "class JsonDecoder:", []string{"json", "decoder"}},
		{"drops short and stop words", "return a + self.b", []string{}},
		{"digits", "sha256Sum", []string{"sha256", "sum"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Terms(tt.text))
		})
	}
}

func TestSet(t *testing.T) {
	set := Set("json json JSON parse")
	assert.Len(t, set, 2)
	assert.Contains(t, set, "json")
	assert.Contains(t, set, "parse")
}
