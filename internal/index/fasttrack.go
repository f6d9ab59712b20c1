package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/deckard-mcp/deckard/internal/scanner"
	"github.com/deckard-mcp/deckard/internal/store"
	"github.com/deckard-mcp/deckard/internal/watcher"
)

// FastTrack applies debounced watcher batches to the store so edits
// become searchable within the debounce window instead of waiting for
// the next full pass. Every fast-track commit drifts the index a little
// (renamed directories, gitignore edits); after StalenessThreshold
// commits a full pass is scheduled to reconverge.
type FastTrack struct {
	root      string
	store     *store.Store
	indexer   *Indexer
	threshold int

	// scheduleFull requests a background full pass; it must not block.
	scheduleFull func()

	commits atomic.Int64
}

// NewFastTrack creates the fast-track pipeline for one workspace.
// scheduleFull is invoked when drift bounds are hit; the caller decides
// how full passes are queued.
func NewFastTrack(root string, st *store.Store, ix *Indexer, threshold int, scheduleFull func()) *FastTrack {
	if threshold <= 0 {
		threshold = 64
	}
	if scheduleFull == nil {
		scheduleFull = func() {}
	}
	return &FastTrack{
		root:         root,
		store:        st,
		indexer:      ix,
		threshold:    threshold,
		scheduleFull: scheduleFull,
	}
}

// HandleBatch stages one debounced event batch and commits it. Event
// failures are logged and skipped; the batch commits whatever staged
// successfully.
func (f *FastTrack) HandleBatch(ctx context.Context, events []watcher.FileEvent) error {
	var staged, deleted int
	var fullPassNeeded bool

	for _, event := range events {
		if event.IsDir {
			continue
		}
		switch event.Operation {
		case watcher.OpCreate, watcher.OpModify:
			ok, err := f.stageUpsert(ctx, event.Path)
			if err != nil {
				slog.Warn("fast_track_stage_failed",
					slog.String("path", event.Path),
					slog.String("error", err.Error()))
				continue
			}
			if ok {
				staged++
			}
		case watcher.OpDelete:
			if err := f.store.StageDeletes(ctx, []string{event.Path}); err != nil {
				slog.Warn("fast_track_delete_failed",
					slog.String("path", event.Path),
					slog.String("error", err.Error()))
				continue
			}
			deleted++
		case watcher.OpGitignoreChange:
			// Exclusion rules changed; only a full pass can reconcile
			// which already-indexed files are now excluded.
			f.indexer.Scanner().InvalidateGitignoreCache()
			fullPassNeeded = true
		}
	}

	if staged > 0 || deleted > 0 {
		commit, err := f.indexer.commitWithRetry(ctx)
		if err != nil {
			return err
		}
		f.indexer.noteFastTrackCommit()
		n := f.commits.Add(1)

		slog.Debug("fast_track_commit",
			slog.String("root", f.root),
			slog.Int("upserted", commit.Upserted),
			slog.Int("deleted", commit.Deleted),
			slog.Int64("commits_since_full", n))

		if n >= int64(f.threshold) {
			f.commits.Store(0)
			fullPassNeeded = true
			slog.Info("staleness_threshold_reached",
				slog.String("root", f.root),
				slog.Int("threshold", f.threshold))
		}
	}

	if fullPassNeeded {
		f.scheduleFull()
	}
	return nil
}

// CommitsSinceFull reports fast-track commits since the last scheduled
// full pass.
func (f *FastTrack) CommitsSinceFull() int {
	return int(f.commits.Load())
}

// ResetDrift clears the commit counter; called when a full pass runs.
func (f *FastTrack) ResetDrift() {
	f.commits.Store(0)
}

// stageUpsert reads and stages one file. Returns false when the file
// is not indexable (vanished, binary, unsupported).
func (f *FastTrack) stageUpsert(ctx context.Context, relPath string) (bool, error) {
	absPath := filepath.Join(f.root, filepath.FromSlash(relPath))

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Created and removed within the debounce window.
			return false, nil
		}
		return false, err
	}
	if info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
		return false, nil
	}
	if info.Size() > scanner.DefaultMaxFileSize {
		slog.Warn("fast_track_skip_oversized",
			slog.String("path", relPath),
			slog.Int64("size", info.Size()))
		return false, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return false, err
	}
	if isBinaryContent(content) {
		return false, nil
	}

	language := scanner.DetectLanguage(relPath)
	syms, edges := f.indexer.extractor.Extract(ctx, language, relPath, content)

	err = f.store.Stage(ctx, []store.FileRecord{{
		Path:     relPath,
		Language: language,
		Hash:     ContentHash(content),
		Size:     info.Size(),
		MTime:    info.ModTime(),
		Content:  content,
	}}, syms, edges)
	if err != nil {
		return false, err
	}
	return true, nil
}
