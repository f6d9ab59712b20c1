package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationString(t *testing.T) {
	assert.Equal(t, "CREATE", OpCreate.String())
	assert.Equal(t, "MODIFY", OpModify.String())
	assert.Equal(t, "DELETE", OpDelete.String())
	assert.Equal(t, "RENAME", OpRename.String())
	assert.Equal(t, "GITIGNORE_CHANGE", OpGitignoreChange.String())
	assert.Equal(t, "UNKNOWN", Operation(99).String())
}

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{}.WithDefaults()
	assert.Equal(t, 200*time.Millisecond, opts.DebounceWindow)
	assert.Equal(t, 5*time.Second, opts.PollInterval)
	assert.Equal(t, 1000, opts.EventBufferSize)

	custom := Options{DebounceWindow: time.Second}.WithDefaults()
	assert.Equal(t, time.Second, custom.DebounceWindow)
	assert.Equal(t, 5*time.Second, custom.PollInterval)
}

func waitForEvent(t *testing.T, h *HybridWatcher, want string, wantOp Operation) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-h.Events():
			require.True(t, ok, "event channel closed before expected event")
			for _, ev := range batch {
				if ev.Path == want && ev.Operation == wantOp {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", wantOp, want)
		}
	}
}

func TestHybridWatcherDetectsCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHybridWatcher(dir, Options{DebounceWindow: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer func() { _ = h.Stop() }()

	target := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main\n"), 0o644))
	waitForEvent(t, h, "main.go", OpCreate)

	require.NoError(t, os.WriteFile(target, []byte("package main\n\nfunc main() {}\n"), 0o644))
	waitForEvent(t, h, "main.go", OpModify)
}

func TestHybridWatcherDetectsDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "old.go")
	require.NoError(t, os.WriteFile(target, []byte("package old\n"), 0o644))

	h, err := NewHybridWatcher(dir, Options{DebounceWindow: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer func() { _ = h.Stop() }()

	require.NoError(t, os.Remove(target))
	waitForEvent(t, h, "old.go", OpDelete)
}

func TestHybridWatcherWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHybridWatcher(dir, Options{DebounceWindow: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer func() { _ = h.Stop() }()

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitForEvent(t, h, "pkg", OpCreate)

	// Let the recursive add for the new directory land before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "pkg.go"), []byte("package pkg\n"), 0o644))
	waitForEvent(t, h, "pkg/pkg.go", OpCreate)
}

func TestHybridWatcherIgnoresPatterns(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHybridWatcher(dir, Options{
		DebounceWindow: 50 * time.Millisecond,
		IgnorePatterns: []string{"*.log"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer func() { _ = h.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.go"), []byte("package kept\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch := <-h.Events():
			for _, ev := range batch {
				assert.NotEqual(t, "debug.log", ev.Path, "ignored file produced an event")
				if ev.Path == "kept.go" {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for kept.go event")
		}
	}
}

func TestHybridWatcherGitignoreChange(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHybridWatcher(dir, Options{DebounceWindow: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer func() { _ = h.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.tmp\n"), 0o644))
	waitForEvent(t, h, ".gitignore", OpGitignoreChange)
}

func TestHybridWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHybridWatcher(dir, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
}

func TestPollingWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.go"), []byte("package seed\n"), 0o644))

	p := NewPollingWatcher(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx, dir)
	}()

	// Give the baseline scan a moment, then create a file.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package new\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			require.True(t, ok)
			if ev.Path == "new.go" && ev.Operation == OpCreate {
				cancel()
				<-done
				return
			}
		case <-deadline:
			t.Fatal("polling watcher missed created file")
		}
	}
}
