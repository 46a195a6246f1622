package models

import (
	"path/filepath"
	"sort"
	"strings"
)

// LanguageOther is used when no language is given and none can be inferred.
const LanguageOther = "other"

// extensionLanguages is the submission allow-list. ".txt" is accepted but maps to no language.
var extensionLanguages = map[string]string{
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".java":  "java",
	".cs":    "csharp",
	".cpp":   "cpp",
	".c":     "c",
	".go":    "go",
	".rs":    "rust",
	".php":   "php",
	".rb":    "ruby",
	".kt":    "kotlin",
	".swift": "swift",
	".dart":  "dart",
	".html":  "html",
	".css":   "css",
	".sql":   "sql",
	".sh":    "shell",
	".yml":   "yaml",
	".yaml":  "yaml",
	".json":  "json",
	".xml":   "xml",
	".txt":   LanguageOther,
}

var languageExtensions = map[string]string{
	"javascript": ".js",
	"typescript": ".ts",
	"python":     ".py",
	"java":       ".java",
	"csharp":     ".cs",
	"cpp":        ".cpp",
	"c":          ".c",
	"go":         ".go",
	"rust":       ".rs",
	"php":        ".php",
	"ruby":       ".rb",
	"kotlin":     ".kt",
	"swift":      ".swift",
	"dart":       ".dart",
	"html":       ".html",
	"css":        ".css",
	"sql":        ".sql",
	"shell":      ".sh",
	"yaml":       ".yaml",
	"json":       ".json",
	"xml":        ".xml",
}

// LanguageFromFilename infers a language from the file extension.
// Returns LanguageOther for unknown or missing extensions.
func LanguageFromFilename(filename string) string {
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(filename))]; ok {
		return lang
	}
	return LanguageOther
}

// ExtensionForLanguage returns the canonical file extension for a language, or ".txt".
func ExtensionForLanguage(language string) string {
	if ext, ok := languageExtensions[strings.ToLower(language)]; ok {
		return ext
	}
	return ".txt"
}

// AllowedExtension reports whether a filename's extension is accepted for review.
func AllowedExtension(filename string) bool {
	_, ok := extensionLanguages[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// AllowedExtensions returns the accepted file extensions, sorted.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(extensionLanguages))
	for ext := range extensionLanguages {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
