package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ignore "github.com/sabhiram/go-gitignore"
)

// gitignoreCacheSize bounds the matcher cache for long-running daemons.
const gitignoreCacheSize = 1000

// Scanner discovers indexable files in a workspace.
type Scanner struct {
	gitignoreCache *lru.Cache[string, *ignore.GitIgnore]
	cacheMu        sync.RWMutex
}

// New creates a Scanner.
func New() (*Scanner, error) {
	cache, err := lru.New[string, *ignore.GitIgnore](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create gitignore cache: %w", err)
	}
	return &Scanner{gitignoreCache: cache}, nil
}

// Scan streams all indexable files under the root. The channel is
// closed when the walk completes or the context is cancelled.
func (s *Scanner) Scan(ctx context.Context, opts *Options) (<-chan Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", absRoot)
	}

	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	// Custom globs use gitignore syntax; compile once per scan.
	var customGlobs *ignore.GitIgnore
	if len(opts.ExcludeGlobs) > 0 {
		customGlobs = ignore.CompileIgnoreLines(opts.ExcludeGlobs...)
	}

	results := make(chan Result, 64)
	go func() {
		defer close(results)
		s.walk(ctx, absRoot, opts, maxFileSize, customGlobs, results)
	}()
	return results, nil
}

func (s *Scanner) walk(ctx context.Context, absRoot string, opts *Options, maxFileSize int64, customGlobs *ignore.GitIgnore, results chan<- Result) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return nil // skip unreadable entries
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}

		if d.IsDir() {
			if s.shouldExcludeDir(d.Name(), relPath, opts, customGlobs) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}
		if s.shouldExcludeFile(relPath, absRoot, opts, customGlobs) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > maxFileSize {
			return nil
		}
		if isBinaryFile(path) {
			return nil
		}

		file := &FileInfo{
			Path:     relPath,
			AbsPath:  path,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Language: DetectLanguage(relPath),
		}
		select {
		case results <- Result{File: file}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- Result{Error: err}:
		case <-ctx.Done():
		}
	}
}

func (s *Scanner) shouldExcludeDir(name, relPath string, opts *Options, customGlobs *ignore.GitIgnore) bool {
	for _, excluded := range defaultExcludeDirs {
		if name == excluded {
			return true
		}
	}
	for _, excluded := range opts.ExcludeDirs {
		if name == excluded {
			return true
		}
	}
	if customGlobs != nil && customGlobs.MatchesPath(relPath+"/") {
		return true
	}
	return false
}

func (s *Scanner) shouldExcludeFile(relPath, absRoot string, opts *Options, customGlobs *ignore.GitIgnore) bool {
	baseName := filepath.Base(relPath)

	for _, pattern := range sensitiveFilePatterns {
		if matched, _ := filepath.Match(pattern, baseName); matched {
			return true
		}
		if strings.Contains(strings.ToLower(baseName), strings.Trim(pattern, "*")) &&
			strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
			return true
		}
	}
	for _, pattern := range defaultExcludeFiles {
		if matched, _ := filepath.Match(pattern, baseName); matched {
			return true
		}
	}
	if customGlobs != nil && customGlobs.MatchesPath(relPath) {
		return true
	}
	if opts.RespectGitignore && s.isGitignored(relPath, absRoot) {
		return true
	}
	return false
}

// isGitignored checks root and intermediate .gitignore files.
func (s *Scanner) isGitignored(relPath, absRoot string) bool {
	if m := s.matcherFor(absRoot); m != nil && m.MatchesPath(relPath) {
		return true
	}

	dir := filepath.Dir(relPath)
	if dir == "." {
		return false
	}
	parts := strings.Split(dir, "/")
	currentDir := absRoot
	consumed := ""
	for _, part := range parts {
		currentDir = filepath.Join(currentDir, part)
		if consumed == "" {
			consumed = part
		} else {
			consumed = consumed + "/" + part
		}
		if m := s.matcherFor(currentDir); m != nil {
			// Nested gitignores match paths relative to their own dir.
			if m.MatchesPath(strings.TrimPrefix(relPath, consumed+"/")) {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) matcherFor(dir string) *ignore.GitIgnore {
	s.cacheMu.RLock()
	matcher, ok := s.gitignoreCache.Get(dir)
	s.cacheMu.RUnlock()
	if ok {
		return matcher
	}

	gitignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		return nil
	}
	matcher, err := ignore.CompileIgnoreFile(gitignorePath)
	if err != nil {
		return nil
	}

	s.cacheMu.Lock()
	s.gitignoreCache.Add(dir, matcher)
	s.cacheMu.Unlock()
	return matcher
}

// InvalidateGitignoreCache clears cached matchers after .gitignore edits.
func (s *Scanner) InvalidateGitignoreCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gitignoreCache.Purge()
}

// isBinaryFile sniffs the first 512 bytes for null bytes.
func isBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	return bytes.Contains(buf[:n], []byte{0})
}

// Directory names never scanned.
var defaultExcludeDirs = []string{
	"node_modules",
	".git",
	"vendor",
	"__pycache__",
	"dist",
	"build",
	".ssh",
	".aws",
	".venv",
	".idea",
	".vscode",
}

// File name patterns never indexed regardless of configuration.
var defaultExcludeFiles = []string{
	"*.min.js",
	"*.min.css",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.sum",
}

// Sensitive file patterns that are never indexed.
var sensitiveFilePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*credentials*",
	"*secrets*",
	"*password*",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_dsa",
	"id_ecdsa",
	"id_ed25519",
}
