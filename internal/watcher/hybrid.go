package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
)

// HybridWatcher watches a workspace root with fsnotify and falls back
// to polling when the native watcher cannot be created (inotify limits,
// unsupported filesystems). Raw events pass through a debouncer before
// they reach the output channel.
type HybridWatcher struct {
	root      string
	opts      Options
	debouncer *Debouncer

	fsWatcher *fsnotify.Watcher
	polling   *PollingWatcher

	matcher   *ignore.GitIgnore
	matcherMu sync.RWMutex

	events  chan []FileEvent
	errors  chan error
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewHybridWatcher creates a watcher for the given root.
func NewHybridWatcher(root string, opts Options) (*HybridWatcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	opts = opts.WithDefaults()
	h := &HybridWatcher{
		root:      absRoot,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
	h.reloadMatcher()
	return h, nil
}

// Start begins watching. It returns once the watcher is running; events
// arrive on Events() until Stop is called.
func (h *HybridWatcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to polling",
			slog.String("root", h.root),
			slog.String("error", err.Error()))
		h.polling = NewPollingWatcher(h.opts.PollInterval)
		h.wg.Add(2)
		go h.runPolling(ctx)
		go h.forwardDebounced()
		return nil
	}
	h.fsWatcher = fsWatcher

	if err := h.addRecursive(h.root); err != nil {
		_ = fsWatcher.Close()
		h.fsWatcher = nil
		return fmt.Errorf("register watch tree: %w", err)
	}

	h.wg.Add(2)
	go h.runFsnotify(ctx)
	go h.forwardDebounced()
	return nil
}

// Events returns batches of debounced events.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors returns non-fatal watcher errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// WatcherType reports the active backend.
func (h *HybridWatcher) WatcherType() string {
	if h.polling != nil {
		return "polling"
	}
	return "fsnotify"
}

// Stop shuts the watcher down. Safe to call multiple times.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	h.mu.Unlock()

	if h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.polling != nil {
		_ = h.polling.Stop()
	}
	h.debouncer.Stop()
	h.wg.Wait()
	close(h.events)
	close(h.errors)
	return nil
}

// addRecursive registers the directory and every non-ignored
// subdirectory with fsnotify.
func (h *HybridWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if h.shouldIgnore(path, true) {
			return filepath.SkipDir
		}
		if err := h.fsWatcher.Add(path); err != nil {
			slog.Debug("watch add failed",
				slog.String("dir", path),
				slog.String("error", err.Error()))
		}
		return nil
	})
}

func (h *HybridWatcher) runFsnotify(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case h.errors <- err:
			default:
			}
		}
	}
}

func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	// Chmod-only events carry no content change.
	if event.Op == fsnotify.Chmod {
		return
	}

	relPath, err := filepath.Rel(h.root, event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)

	// .gitignore edits change what the index should contain; signal the
	// indexer and refresh the ignore matcher for future events.
	if filepath.Base(event.Name) == ".gitignore" {
		h.reloadMatcher()
		h.debouncer.Add(FileEvent{
			Path:      relPath,
			Operation: OpGitignoreChange,
			Timestamp: time.Now(),
		})
		return
	}

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	if h.shouldIgnore(event.Name, isDir) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		// New directories are not covered by the recursive registration
		// done at start; add them so their contents are watched too.
		if isDir {
			if err := h.addRecursive(event.Name); err != nil {
				slog.Debug("watch new dir failed",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()))
			}
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		// fsnotify reports the old name on rename; treat as delete and
		// let the Create for the new name arrive separately.
		op = OpDelete
	default:
		return
	}

	h.debouncer.Add(FileEvent{
		Path:      relPath,
		Operation: op,
		IsDir:     isDir,
		Timestamp: time.Now(),
	})
}

func (h *HybridWatcher) runPolling(ctx context.Context) {
	defer h.wg.Done()

	go func() {
		if err := h.polling.Start(ctx, h.root); err != nil && ctx.Err() == nil {
			select {
			case h.errors <- err:
			default:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case event, ok := <-h.polling.Events():
			if !ok {
				return
			}
			absPath := filepath.Join(h.root, event.Path)
			if filepath.Base(event.Path) == ".gitignore" {
				h.reloadMatcher()
				event.Operation = OpGitignoreChange
				h.debouncer.Add(event)
				continue
			}
			if h.shouldIgnore(absPath, event.IsDir) {
				continue
			}
			h.debouncer.Add(event)
		case err, ok := <-h.polling.Errors():
			if !ok {
				return
			}
			select {
			case h.errors <- err:
			default:
			}
		}
	}
}

// forwardDebounced moves debounced batches to the output channel.
func (h *HybridWatcher) forwardDebounced() {
	defer h.wg.Done()

	for batch := range h.debouncer.Output() {
		select {
		case h.events <- batch:
		default:
			slog.Warn("watcher event buffer full, dropping batch",
				slog.Int("batch_size", len(batch)))
		}
	}
}

// shouldIgnore reports whether a path is excluded from watching. The
// .git directory is always excluded; the workspace .gitignore and any
// configured extra patterns apply on top.
func (h *HybridWatcher) shouldIgnore(absPath string, isDir bool) bool {
	relPath, err := filepath.Rel(h.root, absPath)
	if err != nil || relPath == "." {
		return false
	}
	relPath = filepath.ToSlash(relPath)

	for _, seg := range strings.Split(relPath, "/") {
		if seg == ".git" {
			return true
		}
	}

	h.matcherMu.RLock()
	matcher := h.matcher
	h.matcherMu.RUnlock()
	if matcher == nil {
		return false
	}
	if isDir {
		relPath += "/"
	}
	return matcher.MatchesPath(relPath)
}

// reloadMatcher rebuilds the ignore matcher from the root .gitignore
// plus configured patterns.
func (h *HybridWatcher) reloadMatcher() {
	lines := append([]string{}, h.opts.IgnorePatterns...)
	if data, err := os.ReadFile(filepath.Join(h.root, ".gitignore")); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}

	var matcher *ignore.GitIgnore
	if len(lines) > 0 {
		matcher = ignore.CompileIgnoreLines(lines...)
	}

	h.matcherMu.Lock()
	h.matcher = matcher
	h.matcherMu.Unlock()
}
