package pathtrie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

func TestInsertAndLookup(t *testing.T) {
	tr := New()

	id, err := tr.Insert("/home/dev/projects/alpha", "root-aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, "root-aaaa1111", id)

	root, gotID, ok := tr.Lookup("/home/dev/projects/alpha/src/main.go")
	require.True(t, ok)
	assert.Equal(t, "/home/dev/projects/alpha", root)
	assert.Equal(t, "root-aaaa1111", gotID)

	_, _, ok = tr.Lookup("/home/dev/projects/beta/main.go")
	assert.False(t, ok)
}

func TestInsertIdempotentForEqualRoot(t *testing.T) {
	tr := New()

	first, err := tr.Insert("/srv/code/app", "root-11112222")
	require.NoError(t, err)

	second, err := tr.Insert("/srv/code/app", "root-33334444")
	require.NoError(t, err)
	assert.Equal(t, first, second, "equal root returns the existing id")
}

func TestInsertRejectsDescendant(t *testing.T) {
	tr := New()

	_, err := tr.Insert("/work/mono", "root-aaaa0000")
	require.NoError(t, err)

	_, err = tr.Insert("/work/mono/services/api", "root-bbbb0000")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))
	assert.False(t, deckarderrors.IsRetryable(err))

	// Rejection must not leave partial trie state behind.
	_, _, ok := tr.Lookup("/work/mono/services/api/handler.go")
	require.True(t, ok)
	roots := tr.Roots()
	assert.Equal(t, []string{"/work/mono"}, roots)
}

func TestInsertRejectsAncestor(t *testing.T) {
	tr := New()

	_, err := tr.Insert("/work/mono/services/api", "root-bbbb0000")
	require.NoError(t, err)

	_, err = tr.Insert("/work/mono", "root-aaaa0000")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))
}

func TestSegmentBoundariesRespected(t *testing.T) {
	tr := New()

	_, err := tr.Insert("/home/dev/proj", "root-11110000")
	require.NoError(t, err)

	// "/home/dev/project" shares a string prefix but not a path prefix.
	_, err = tr.Insert("/home/dev/project", "root-22220000")
	require.NoError(t, err)

	root, _, ok := tr.Lookup("/home/dev/project/file.go")
	require.True(t, ok)
	assert.Equal(t, "/home/dev/project", root)
}

func TestSiblingsCoexist(t *testing.T) {
	tr := New()

	_, err := tr.Insert("/repos/alpha", "root-aaaa1111")
	require.NoError(t, err)
	_, err = tr.Insert("/repos/beta", "root-bbbb2222")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"/repos/alpha", "/repos/beta"}, tr.Roots())
}

func TestRemoveAllowsReRegistration(t *testing.T) {
	tr := New()

	_, err := tr.Insert("/work/mono", "root-aaaa0000")
	require.NoError(t, err)

	tr.Remove("/work/mono")
	_, _, ok := tr.Lookup("/work/mono/main.go")
	assert.False(t, ok)

	// The conflicting child registration succeeds once the parent is gone.
	_, err = tr.Insert("/work/mono/services/api", "root-bbbb0000")
	require.NoError(t, err)
}

func TestRemoveUnknownRootIsNoOp(t *testing.T) {
	tr := New()
	_, err := tr.Insert("/repos/alpha", "root-aaaa1111")
	require.NoError(t, err)

	tr.Remove("/repos/never-registered")
	tr.Remove("/repos/alpha/sub")

	_, _, ok := tr.Lookup("/repos/alpha/x.go")
	assert.True(t, ok)
}

func TestLookupPrefersDeepestTerminal(t *testing.T) {
	tr := New()
	// Build nested terminals directly through Remove/Insert churn is not
	// possible under the no-overlap invariant, so verify the exact-path case.
	_, err := tr.Insert("/a/b/c", "root-deep0000")
	require.NoError(t, err)

	root, _, ok := tr.Lookup("/a/b/c")
	require.True(t, ok)
	assert.Equal(t, "/a/b/c", root)
}

func TestFilesystemRootConflictsWithAnyRoot(t *testing.T) {
	tr := New()
	_, err := tr.Insert("/", "root-fs000000")
	require.NoError(t, err)

	_, err = tr.Insert("/home/dev/projects/alpha", "root-aaaa1111")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))

	// And the other way around.
	tr = New()
	_, err = tr.Insert("/home/dev/projects/alpha", "root-aaaa1111")
	require.NoError(t, err)

	_, err = tr.Insert("/", "root-fs000000")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindOverlapConflict, deckarderrors.KindOf(err))
}
