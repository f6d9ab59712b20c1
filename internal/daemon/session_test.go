package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// dialRaw opens a raw framed connection so tests can send frames the
// client type would never produce.
func dialRaw(t *testing.T, port int) (net.Conn, Framer) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn, NewFramer(conn, false)
}

func TestUnknownMethodKeepsSessionOpen(t *testing.T) {
	_, port := startDaemon(t, nil)
	_, f := dialRaw(t, port)

	require.NoError(t, WriteMessage(f, Request{ID: "1", Method: "voight_kampff"}))
	resp, err := ReadResponse(f)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(deckarderrors.KindProtocol), resp.Error.Kind)
	assert.False(t, resp.Error.Retryable)

	// The same connection still serves requests.
	require.NoError(t, WriteMessage(f, Request{ID: "2", Method: MethodPing}))
	resp, err = ReadResponse(f)
	require.NoError(t, err)
	assert.Equal(t, "2", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestMalformedRequestKeepsSessionOpen(t *testing.T) {
	_, port := startDaemon(t, nil)
	_, f := dialRaw(t, port)

	require.NoError(t, f.WriteFrame([]byte("{not valid json")))
	resp, err := ReadResponse(f)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(deckarderrors.KindProtocol), resp.Error.Kind)

	require.NoError(t, WriteMessage(f, Request{ID: "after", Method: MethodPing}))
	resp, err = ReadResponse(f)
	require.NoError(t, err)
	assert.Equal(t, "after", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestResponseIDMatchesRequest(t *testing.T) {
	_, port := startDaemon(t, nil)
	_, f := dialRaw(t, port)

	require.NoError(t, WriteMessage(f, Request{ID: "nexus-6", Method: MethodPing}))
	resp, err := ReadResponse(f)
	require.NoError(t, err)
	assert.Equal(t, "nexus-6", resp.ID)

	var res PingResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.True(t, res.Pong)
}

func TestInitializeRejectsNewerClient(t *testing.T) {
	_, port := startDaemon(t, nil)

	c := newTestClient(t, port)
	_, err := c.Initialize(context.Background(), InitializeParams{
		ClientVersion: "99.0.0",
	})
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindVersionMismatch, deckarderrors.KindOf(err))
}

func TestInitializeAcceptsOlderClient(t *testing.T) {
	_, port := startDaemon(t, nil)

	c := newTestClient(t, port)
	res, err := c.Initialize(context.Background(), InitializeParams{
		ClientVersion: "0.0.1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DaemonVersion)
}

func TestSearchRequiresQuery(t *testing.T) {
	_, port := startDaemon(t, nil)

	c := newTestClient(t, port)
	_, err := c.Search(context.Background(), SearchParams{})
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestRepoCandidatesRequiresPath(t *testing.T) {
	_, port := startDaemon(t, nil)

	c := newTestClient(t, port)
	_, err := c.RepoCandidates(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestSearchPagination(t *testing.T) {
	_, port := startDaemon(t, nil)
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeWorkspaceFile(t, root, fmt.Sprintf("file%d.go", i),
			fmt.Sprintf("package main\n\n// incept note %d\nfunc incept%d() {}\n", i, i))
	}

	c := newTestClient(t, port)
	_, err := c.Initialize(context.Background(), InitializeParams{Root: root})
	require.NoError(t, err)

	full := waitForHits(t, c, SearchParams{Query: "incept"})
	require.Equal(t, 5, full.Total)

	page, err := c.Search(context.Background(), SearchParams{Query: "incept", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Hits, 2)
	assert.Equal(t, 5, page.Total)

	rest, err := c.Search(context.Background(), SearchParams{Query: "incept", Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest.Hits, 3)
	assert.Equal(t, 5, rest.Total)
}

func TestSearchExcludePatterns(t *testing.T) {
	_, port := startDaemon(t, nil)
	root := t.TempDir()
	writeWorkspaceFile(t, root, "keep.go", "package main\n\nfunc tannhauser() {}\n")
	writeWorkspaceFile(t, root, "keep_test.go", "package main\n\nfunc tannhauserTest() {}\n")

	c := newTestClient(t, port)
	_, err := c.Initialize(context.Background(), InitializeParams{Root: root})
	require.NoError(t, err)
	waitForHits(t, c, SearchParams{Query: "tannhauser"})

	res, err := c.Search(context.Background(), SearchParams{
		Query:           "tannhauser",
		ExcludePatterns: []string{"*_test.go"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "keep.go", res.Hits[0].Path)
}
