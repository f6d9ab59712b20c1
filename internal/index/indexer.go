// Package index drives the two indexing paths: full passes that walk
// the workspace with a worker pool, and the fast-track pipeline that
// commits watcher events one file at a time. Both paths stage into the
// workspace store and publish atomically through Commit.
package index

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
	"github.com/deckard-mcp/deckard/internal/scanner"
	"github.com/deckard-mcp/deckard/internal/store"
	"github.com/deckard-mcp/deckard/internal/symbols"
)

// stageBatchSize bounds how many files accumulate before a Stage call.
const stageBatchSize = 200

// slowFileThreshold marks files worth reporting in status output.
const slowFileThreshold = 100 * time.Millisecond

// slowFileLimit caps the slow-file list.
const slowFileLimit = 10

// Options configures an Indexer for one workspace.
type Options struct {
	// Root is the absolute workspace root.
	Root string

	// Store is the workspace store (required).
	Store *store.Store

	// Workers sizes the full-pass pool. Zero means 1.
	Workers int

	// ExcludeDirs and ExcludeGlobs extend the scanner defaults.
	ExcludeDirs  []string
	ExcludeGlobs []string

	// MaxFileSize bounds indexable files (0 = scanner default).
	MaxFileSize int64
}

// Result summarizes one full index pass.
type Result struct {
	Scanned  int
	Indexed  int
	Skipped  int
	Deleted  int
	Duration time.Duration
	Commit   store.CommitStats
}

// SlowFile records a file whose processing exceeded the threshold.
type SlowFile struct {
	Path     string
	Duration time.Duration
}

// Status is a point-in-time view of indexing activity.
type Status struct {
	FullPasses       int
	FastTrackCommits int
	LastFullPass     time.Time
	LastFastTrack    time.Time
	LastResult       Result
	SlowFiles        []SlowFile
}

// Indexer runs full index passes for one workspace.
type Indexer struct {
	opts      Options
	scanner   *scanner.Scanner
	extractor *symbols.Extractor

	mu        sync.Mutex
	status    Status
	slowFiles []SlowFile
}

// New creates an Indexer. The extractor is shared with the fast-track
// pipeline when both run for the same workspace.
func New(opts Options, extractor *symbols.Extractor) (*Indexer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	s, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}
	if extractor == nil {
		extractor = symbols.NewExtractor()
	}
	return &Indexer{
		opts:      opts,
		scanner:   s,
		extractor: extractor,
	}, nil
}

// stagedFile carries one processed file from a worker to the collector.
type stagedFile struct {
	file    store.FileRecord
	symbols []store.SymbolRecord
	edges   []store.CallEdge
}

// RunFull executes a complete pass: scan, hash-skip unchanged files,
// stage changed ones with their symbols, tombstone files that vanished,
// then merge everything in one commit. A pass over an unchanged tree
// stages nothing and never touches the write gate.
func (ix *Indexer) RunFull(ctx context.Context) (*Result, error) {
	start := time.Now()

	existing, err := ix.opts.Store.Hashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing hashes: %w", err)
	}

	results, err := ix.scanner.Scan(ctx, &scanner.Options{
		RootDir:          ix.opts.Root,
		ExcludeDirs:      ix.opts.ExcludeDirs,
		ExcludeGlobs:     ix.opts.ExcludeGlobs,
		RespectGitignore: true,
		MaxFileSize:      ix.opts.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}

	slog.Info("full_pass_started",
		slog.String("root", ix.opts.Root),
		slog.Int("workers", ix.opts.Workers))

	var (
		res      Result
		seenMu   sync.Mutex
		seen     = make(map[string]bool)
		staged   = make(chan stagedFile, ix.opts.Workers*2)
		stageErr error
	)

	// The collector batches staged files; Stage itself is cheap, the
	// batching keeps transaction count down on large trees.
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		var files []store.FileRecord
		var syms []store.SymbolRecord
		var edges []store.CallEdge
		flush := func() {
			if len(files) == 0 && len(syms) == 0 && len(edges) == 0 {
				return
			}
			if err := ix.opts.Store.Stage(ctx, files, syms, edges); err != nil && stageErr == nil {
				stageErr = err
			}
			files, syms, edges = nil, nil, nil
		}
		for sf := range staged {
			files = append(files, sf.file)
			syms = append(syms, sf.symbols...)
			edges = append(edges, sf.edges...)
			if len(files) >= stageBatchSize {
				flush()
			}
		}
		flush()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < ix.opts.Workers; i++ {
		g.Go(func() error {
			for result := range results {
				if err := gctx.Err(); err != nil {
					return err
				}
				if result.Error != nil {
					slog.Warn("scan_error", slog.String("error", result.Error.Error()))
					continue
				}
				file := result.File

				seenMu.Lock()
				seen[file.Path] = true
				res.Scanned++
				seenMu.Unlock()

				sf, skipped, err := ix.processFile(gctx, file, existing)
				if err != nil {
					slog.Warn("index_file_failed",
						slog.String("path", file.Path),
						slog.String("error", err.Error()))
					continue
				}
				seenMu.Lock()
				if skipped {
					res.Skipped++
				} else {
					res.Indexed++
				}
				seenMu.Unlock()
				if sf != nil {
					staged <- *sf
				}
			}
			return nil
		})
	}

	err = g.Wait()
	close(staged)
	collectorWg.Wait()
	if err != nil {
		return nil, err
	}
	if stageErr != nil {
		return nil, fmt.Errorf("stage files: %w", stageErr)
	}

	// Files present in the store but absent from the scan are gone.
	var tombstones []string
	for path := range existing {
		if !seen[path] {
			tombstones = append(tombstones, path)
		}
	}
	sort.Strings(tombstones)
	if len(tombstones) > 0 {
		if err := ix.opts.Store.StageDeletes(ctx, tombstones); err != nil {
			return nil, fmt.Errorf("stage deletes: %w", err)
		}
		res.Deleted = len(tombstones)
	}

	commit, err := ix.commitWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	res.Commit = commit
	res.Duration = time.Since(start)

	ix.mu.Lock()
	ix.status.FullPasses++
	ix.status.LastFullPass = time.Now()
	ix.status.LastResult = res
	ix.mu.Unlock()

	slog.Info("full_pass_complete",
		slog.String("root", ix.opts.Root),
		slog.Int("scanned", res.Scanned),
		slog.Int("indexed", res.Indexed),
		slog.Int("skipped", res.Skipped),
		slog.Int("deleted", res.Deleted),
		slog.Int64("duration_ms", res.Duration.Milliseconds()))

	return &res, nil
}

// processFile reads, hashes, and extracts one file. A nil stagedFile
// with skipped=true means the stored content is already current.
func (ix *Indexer) processFile(ctx context.Context, file *scanner.FileInfo, existing map[string]string) (*stagedFile, bool, error) {
	fileStart := time.Now()

	content, err := os.ReadFile(file.AbsPath)
	if err != nil {
		return nil, false, fmt.Errorf("read: %w", err)
	}

	hash := ContentHash(content)
	if prev, ok := existing[file.Path]; ok && prev == hash {
		return nil, true, nil
	}

	syms, edges := ix.extractor.Extract(ctx, file.Language, file.Path, content)

	if d := time.Since(fileStart); d > slowFileThreshold {
		ix.recordSlowFile(file.Path, d)
	}

	return &stagedFile{
		file: store.FileRecord{
			Path:     file.Path,
			Language: file.Language,
			Hash:     hash,
			Size:     file.Size,
			MTime:    file.ModTime,
			Content:  content,
		},
		symbols: syms,
		edges:   edges,
	}, false, nil
}

// commitWithRetry merges staged writes, retrying while another writer
// holds the gate.
func (ix *Indexer) commitWithRetry(ctx context.Context) (store.CommitStats, error) {
	var commit store.CommitStats
	err := deckarderrors.Retry(ctx, deckarderrors.DefaultRetryConfig(), func() error {
		var err error
		commit, err = ix.opts.Store.Commit(ctx)
		return err
	})
	if err != nil {
		return store.CommitStats{}, fmt.Errorf("commit: %w", err)
	}
	return commit, nil
}

func (ix *Indexer) recordSlowFile(path string, d time.Duration) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.slowFiles = append(ix.slowFiles, SlowFile{Path: path, Duration: d})
	sort.Slice(ix.slowFiles, func(i, j int) bool {
		return ix.slowFiles[i].Duration > ix.slowFiles[j].Duration
	})
	if len(ix.slowFiles) > slowFileLimit {
		ix.slowFiles = ix.slowFiles[:slowFileLimit]
	}
}

// Status returns a snapshot of indexing activity.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	st := ix.status
	st.SlowFiles = append([]SlowFile(nil), ix.slowFiles...)
	return st
}

// noteFastTrackCommit is called by the fast-track pipeline so status
// reflects both paths.
func (ix *Indexer) noteFastTrackCommit() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.status.FastTrackCommits++
	ix.status.LastFastTrack = time.Now()
}

// Scanner exposes the underlying scanner so gitignore cache invalidation
// reaches the same instance the full pass uses.
func (ix *Indexer) Scanner() *scanner.Scanner {
	return ix.scanner
}

// ContentHash returns the xxhash of file content as 16 hex digits.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// isBinaryContent reports whether content looks binary (null byte in
// the first 512 bytes).
func isBinaryContent(content []byte) bool {
	n := len(content)
	if n > 512 {
		n = 512
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}
