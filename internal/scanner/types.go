// Package scanner discovers indexable files under a workspace root,
// respecting exclusion patterns, .gitignore rules, and sensitive file
// patterns that are never indexed.
package scanner

import "time"

// FileInfo contains metadata about a discovered file.
type FileInfo struct {
	Path     string    // relative to the workspace root, forward slashes
	AbsPath  string    // absolute path
	Size     int64     // file size in bytes
	ModTime  time.Time // last modification time
	Language string    // go, python, javascript, ...
}

// Options configures the scanner behavior.
type Options struct {
	// RootDir is the workspace root to scan.
	RootDir string

	// ExcludeDirs are directory names skipped anywhere in the tree, in
	// addition to the built-in defaults.
	ExcludeDirs []string

	// ExcludeGlobs are gitignore-style patterns excluded in addition to
	// the defaults.
	ExcludeGlobs []string

	// RespectGitignore enables .gitignore parsing (default in callers).
	RespectGitignore bool

	// MaxFileSize bounds indexable files (0 = 10MB default).
	MaxFileSize int64

	// FollowSymlinks enables following symbolic links.
	FollowSymlinks bool
}

// Result is streamed from the scanner channel.
type Result struct {
	File  *FileInfo
	Error error
}

// DefaultMaxFileSize is the default per-file size bound (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// languageMap maps file extensions (and some exact names) to languages.
var languageMap = map[string]string{
	".go": "go",

	".js":  "javascript",
	".jsx": "javascript",
	".mjs": "javascript",
	".ts":  "typescript",
	".tsx": "typescript",

	".py":  "python",
	".pyw": "python",
	".pyi": "python",

	".html": "html",
	".css":  "css",

	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".xml":  "xml",

	".md":       "markdown",
	".markdown": "markdown",
	".rst":      "rst",
	".txt":      "text",

	".sh":   "shell",
	".bash": "shell",
	".zsh":  "shell",

	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".php":   "php",
	".scala": "scala",
	".ex":    "elixir",
	".exs":   "elixir",
	".sql":   "sql",
	".proto": "protobuf",

	"Dockerfile": "dockerfile",
	"Makefile":   "makefile",
	"makefile":   "makefile",
}

// DetectLanguage detects the language from a file path. Unknown files
// report an empty language and are still indexed as plain text.
func DetectLanguage(path string) string {
	base := baseName(path)
	if lang, ok := languageMap[base]; ok {
		return lang
	}
	if lang, ok := languageMap[extension(path)]; ok {
		return lang
	}
	return ""
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func extension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' || path[i] == '\\' {
			break
		}
	}
	return ""
}
