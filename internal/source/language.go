package source

import (
	"path"
	"strings"
)

var languages = map[string]string{
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".scala": "scala",
	".swift": "swift",
}

// Language classifies a file by extension; unknown extensions yield ""
func Language(p string) string {
	return languages[strings.ToLower(path.Ext(p))]
}

// Name returns the base name of a slash-separated path
func Name(p string) string {
	return path.Base(p)
}
