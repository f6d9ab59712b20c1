package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	return r
}

func TestWorkspaceIDStable(t *testing.T) {
	a := WorkspaceID("/home/dev/projects/alpha")
	b := WorkspaceID("/home/dev/projects/alpha")
	c := WorkspaceID("/home/dev/projects/beta")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("root-")+8)
	assert.Contains(t, a, "root-")
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	root := t.TempDir()
	entry, err := r.Register(root, 47779, os.Getpid(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, WorkspaceID(NormalizeRoot(root)), entry.ID)
	assert.Equal(t, 47779, entry.Port)

	got, ok := r.Lookup(filepath.Join(root, "src", "main.go"))
	require.True(t, ok)
	assert.Equal(t, entry.ID, got.ID)

	_, ok = r.Lookup(filepath.Join(os.TempDir(), "unrelated", "file.go"))
	assert.False(t, ok)
}

func TestRegisterIdempotentRefreshesLiveness(t *testing.T) {
	r := newTestRegistry(t)
	root := t.TempDir()

	first, err := r.Register(root, 47779, 100, "1.0.0")
	require.NoError(t, err)

	second, err := r.Register(root, 48000, 200, "1.0.1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 48000, second.Port)
	assert.Equal(t, 200, second.PID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRegisterRejectsOverlap(t *testing.T) {
	r := newTestRegistry(t)
	parent := t.TempDir()
	child := filepath.Join(parent, "services", "api")
	require.NoError(t, os.MkdirAll(child, 0o755))

	_, err := r.Register(parent, 47779, 1, "1.0.0")
	require.NoError(t, err)

	_, err = r.Register(child, 47779, 1, "1.0.0")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	root := t.TempDir()

	r1, err := Open(path)
	require.NoError(t, err)
	entry, err := r1.Register(root, 47779, os.Getpid(), "1.0.0")
	require.NoError(t, err)

	r2, err := Open(path)
	require.NoError(t, err)
	got, ok := r2.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, entry.Root, got.Root)

	// Overlap detection must survive the reload.
	_, err = r2.Register(filepath.Join(root, "nested"), 47779, 1, "1.0.0")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))
}

func TestCorruptFileReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindCorruption, deckarderrors.KindOf(err))
}

func TestHeartbeatUnknownID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Heartbeat("root-ffffffff")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindNotFound, deckarderrors.KindOf(err))
}

func TestRemoveFreesRoot(t *testing.T) {
	r := newTestRegistry(t)
	root := t.TempDir()

	entry, err := r.Register(root, 47779, 1, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, r.Remove(entry.ID))

	_, ok := r.Lookup(filepath.Join(root, "x.go"))
	assert.False(t, ok)

	_, err = r.Register(filepath.Join(root, "nested"), 47779, 1, "1.0.0")
	assert.NoError(t, err, "descendant registers once the ancestor is removed")
}

func TestPruneStaleRemovesDeadEntries(t *testing.T) {
	r := newTestRegistry(t)
	rootLive := t.TempDir()
	rootDead := t.TempDir()

	base := time.Now()
	r.now = func() time.Time { return base.Add(-time.Hour) }
	// PID that cannot exist keeps the liveness probe from rescuing it.
	dead, err := r.Register(rootDead, 47779, 1<<30, "1.0.0")
	require.NoError(t, err)

	r.now = func() time.Time { return base }
	live, err := r.Register(rootLive, 47779, os.Getpid(), "1.0.0")
	require.NoError(t, err)

	removed, err := r.PruneStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{dead.ID}, removed)

	_, ok := r.Get(live.ID)
	assert.True(t, ok)
	_, ok = r.Get(dead.ID)
	assert.False(t, ok)
}

func TestPruneKeepsLiveProcessDespiteOldHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	root := t.TempDir()

	base := time.Now()
	r.now = func() time.Time { return base.Add(-time.Hour) }
	entry, err := r.Register(root, 47779, os.Getpid(), "1.0.0")
	require.NoError(t, err)

	r.now = func() time.Time { return base }
	removed, err := r.PruneStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, ok := r.Get(entry.ID)
	assert.True(t, ok)
}

func TestListSortedByRoot(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	b := filepath.Join(dir, "b")
	a := filepath.Join(dir, "a")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	_, err := r.Register(b, 47779, 1, "1.0.0")
	require.NoError(t, err)
	_, err = r.Register(a, 47779, 1, "1.0.0")
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.True(t, list[0].Root < list[1].Root)
}
