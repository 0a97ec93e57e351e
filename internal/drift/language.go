package drift

import (
	"path"
	"strings"
)

var languages = map[string]string{
	".go":     "go",
	".ts":     "typescript",
	".tsx":    "typescriptreact",
	".js":     "javascript",
	".jsx":    "javascriptreact",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".py":     "python",
	".rb":     "ruby",
	".rs":     "rust",
	".java":   "java",
	".kt":     "kotlin",
	".swift":  "swift",
	".c":      "c",
	".h":      "c",
	".cc":     "cpp",
	".cpp":    "cpp",
	".hpp":    "cpp",
	".cs":     "csharp",
	".php":    "php",
	".scala":  "scala",
	".sql":    "sql",
	".sh":     "shellscript",
	".yaml":   "yaml",
	".yml":    "yaml",
	".json":   "json",
	".toml":   "toml",
	".md":     "markdown",
	".vue":    "vue",
	".svelte": "svelte",
}

// LanguageFor returns a language identifier for the file's extension, or
// "plaintext" when unknown.
func LanguageFor(file string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(file))]; ok {
		return lang
	}
	return "plaintext"
}
