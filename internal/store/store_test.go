package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(path, content string, mtime time.Time) FileRecord {
	return FileRecord{
		Path:     path,
		Language: "go",
		Hash:     fmt.Sprintf("h-%s-%d", path, len(content)),
		Size:     int64(len(content)),
		MTime:    mtime,
		Content:  []byte(content),
	}
}

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	files := []FileRecord{
		record("pkg/auth/login.go", "func AuthenticateUser(token string) error { return nil }", time.Now()),
	}
	require.NoError(t, s.Stage(ctx, files, nil, nil))

	hits, _, err := s.Search(ctx, SearchRequest{Query: "AuthenticateUser"})
	require.NoError(t, err)
	assert.Empty(t, hits, "staged content must not be searchable before commit")

	stats, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Upserted)

	hits, _, err = s.Search(ctx, SearchRequest{Query: "AuthenticateUser"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pkg/auth/login.go", hits[0].Path)
	assert.NotEmpty(t, hits[0].Snippet.Text)
}

func TestCommitEmptyStagingSkipsGate(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	stats, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Upserted)
	assert.Zero(t, stats.Deleted)
	assert.EqualValues(t, 0, s.Gate().Acquisitions(),
		"empty commit must not touch the write gate")
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("a.go", "func HandleRequest() {}", time.Now()),
		record("b.go", "func HandleResponse() {}", time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, s.StageDeletes(ctx, []string{"a.go"}))
	stats, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "HandleRequest"})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a.go", h.Path)
	}

	infos, total, err := s.ListFiles(ctx, "", nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, infos, 1)
	assert.Equal(t, "b.go", infos[0].Path)
}

func TestRestageSupersedesPendingDelete(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("x.go", "func Alpha() {}", time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, s.StageDeletes(ctx, []string{"x.go"}))
	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("x.go", "func AlphaUpdated() {}", time.Now()),
	}, nil, nil))
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "AlphaUpdated"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "x.go", hits[0].Path)
}

func TestLanguageAndPrefixFilters(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	now := time.Now()
	files := []FileRecord{
		record("src/api/server.go", "func StartServer() {}", now),
		{Path: "src/api/server.py", Language: "python", Hash: "h1",
			Size: 10, MTime: now, Content: []byte("def start_server(): pass")},
		record("lib/util/server.go", "func StartServer() {}", now),
	}
	require.NoError(t, s.Stage(ctx, files, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "StartServer", Languages: []string{"go"}})
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "go", h.Language)
	}

	hits, _, err = s.Search(ctx, SearchRequest{Query: "StartServer", PathPrefix: "src/"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Contains(t, h.Path, "src/")
	}
}

func TestPaginationStable(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	var files []FileRecord
	for i := 0; i < 10; i++ {
		files = append(files, record(
			fmt.Sprintf("p%02d.go", i),
			"func SharedPaginationTarget() {}",
			time.Now()))
	}
	require.NoError(t, s.Stage(ctx, files, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	page1, _, err := s.Search(ctx, SearchRequest{Query: "SharedPaginationTarget", Limit: 4})
	require.NoError(t, err)
	page2, _, err := s.Search(ctx, SearchRequest{Query: "SharedPaginationTarget", Limit: 4, Offset: 4})
	require.NoError(t, err)

	require.Len(t, page1, 4)
	require.Len(t, page2, 4)
	for _, h1 := range page1 {
		for _, h2 := range page2 {
			assert.NotEqual(t, h1.Path, h2.Path, "pages must not overlap")
		}
	}

	// Every file scores identically here, so ordering is pure tie-break:
	// repeating a page must return the exact same hits in the same order.
	repeat, _, err := s.Search(ctx, SearchRequest{Query: "SharedPaginationTarget", Limit: 4})
	require.NoError(t, err)
	require.Len(t, repeat, 4)
	for i := range page1 {
		assert.Equal(t, page1[i].Path, repeat[i].Path, "page order drifted between queries")
	}
}

func TestSearchTotalCountsBeyondPage(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	var files []FileRecord
	for i := 0; i < 7; i++ {
		files = append(files, record(
			fmt.Sprintf("t%d.go", i),
			"func TotalCountTarget() {}",
			time.Now()))
	}
	require.NoError(t, s.Stage(ctx, files, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, total, err := s.Search(ctx, SearchRequest{Query: "TotalCountTarget", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assert.Equal(t, 7, total, "total spans all matches, not just the page")
}

func TestSearchExcludePatterns(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("src/app.go", "func ExcludeProbe() {}", time.Now()),
		record("vendor/dep.go", "func ExcludeProbe() {}", time.Now()),
		record("gen/out_test.go", "func ExcludeProbe() {}", time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, total, err := s.Search(ctx, SearchRequest{
		Query:    "ExcludeProbe",
		Excludes: []string{"vendor/", "*_test.go"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "src/app.go", hits[0].Path)
	assert.Equal(t, 1, total)
}

func TestRecencyBoostOrdersResults(t *testing.T) {
	scorer := &Scorer{
		RecencyWeight:   0.5,
		RecencyHalfLife: 24 * time.Hour,
		now:             time.Now,
	}
	s := openTestStore(t, Options{Scorer: scorer})
	ctx := context.Background()

	content := "func FreshnessTarget() { return }"
	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("old.go", content, time.Now().Add(-90*24*time.Hour)),
		record("new.go", content, time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "FreshnessTarget", RecencyBoost: true})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "new.go", hits[0].Path,
		"equal relevance must rank the recently modified file first")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestRecencyBoostOffByDefault(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	content := "func FreshnessTarget() { return }"
	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("old.go", content, time.Now().Add(-90*24*time.Hour)),
		record("new.go", content, time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	// Identical content means identical relevance; without the boost the
	// scores stay equal and ordering falls back to path.
	hits, _, err := s.Search(ctx, SearchRequest{Query: "FreshnessTarget"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].Score, hits[1].Score,
		"modification time must not affect ranking unless requested")
	assert.Equal(t, "new.go", hits[0].Path)
	assert.Equal(t, "old.go", hits[1].Path)
}

func TestSymbolsRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	files := []FileRecord{record("svc.go", "func Serve() {}", time.Now())}
	syms := []SymbolRecord{
		{Path: "svc.go", Name: "Serve", Kind: SymbolFunction, StartLine: 1, EndLine: 1, Signature: "func Serve()"},
	}
	require.NoError(t, s.Stage(ctx, files, syms, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	got, err := s.SymbolsForPath(ctx, "svc.go")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Serve", got[0].Name)
	assert.Equal(t, SymbolFunction, got[0].Kind)
}

func TestHashesReflectCommittedState(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("h.go", "package h", time.Now()),
	}, nil, nil))

	hashes, err := s.Hashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes, "staged files are not committed state")

	_, err = s.Commit(ctx)
	require.NoError(t, err)

	hashes, err = s.Hashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.NotEmpty(t, hashes["h.go"])
}

func TestCompressedContentRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{Compress: true})
	ctx := context.Background()

	content := "func CompressedProbe() {}\n// " +
		"repeated filler repeated filler repeated filler repeated filler"
	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("c.go", content, time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "CompressedProbe"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Snippet.Text, "CompressedProbe")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("persist.go", "func Persisted() {}", time.Now()),
	}, nil, nil))
	_, err = s.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()

	hits, _, err := s2.Search(ctx, SearchRequest{Query: "Persisted"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	st, err := s2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files)
	assert.False(t, st.LastMerge.IsZero())
}

func TestEmbeddedModeSearch(t *testing.T) {
	s := openTestStore(t, Options{Mode: ModeEmbedded})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("emb.go", "func EmbeddedProbe() { parseRequest() }", time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: "EmbeddedProbe"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "emb.go", hits[0].Path)

	require.NoError(t, s.StageDeletes(ctx, []string{"emb.go"}))
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err = s.Search(ctx, SearchRequest{Query: "EmbeddedProbe"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddedCommitKeepsStagingWhenTextIndexFails(t *testing.T) {
	s := openTestStore(t, Options{Mode: ModeEmbedded})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("late.go", "func LateArrival() {}", time.Now()),
	}, nil, nil))

	// A failed text batch must abort the whole merge. Were the metadata
	// transaction to commit first, the file's hash would suppress
	// re-staging and its content would never become searchable.
	require.NoError(t, s.text.close())
	_, err := s.Commit(ctx)
	require.Error(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.StagedFiles, "staged rows must survive the failed merge")
	assert.Zero(t, st.Files)

	hashes, err := s.Hashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes, "nothing may be recorded as indexed")
}

func TestRegexSearch(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, []FileRecord{
		record("handlers.go", "func handleGet() {}\nfunc handlePost() {}", time.Now()),
		record("other.go", "func unrelated() {}", time.Now()),
	}, nil, nil))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	hits, _, err := s.Search(ctx, SearchRequest{Query: `handle(Get|Post)`, Regex: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "handlers.go", hits[0].Path)
	assert.Contains(t, hits[0].Snippet.Text, "handleGet")
}

func TestRegexSearchInvalidPattern(t *testing.T) {
	s := openTestStore(t, Options{})

	_, _, err := s.Search(context.Background(), SearchRequest{Query: `([`, Regex: true})
	require.Error(t, err)
	assert.Equal(t, deckarderrors.KindProtocol, deckarderrors.KindOf(err))
}

func TestCallEdgesRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	files := []FileRecord{record("flow.go", "func A() { B() }", time.Now())}
	edges := []CallEdge{{Path: "flow.go", Caller: "A", Callee: "B", Line: 1}}
	require.NoError(t, s.Stage(ctx, files, nil, edges))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	got, err := s.CallEdgesForPath(ctx, "flow.go")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Caller)
	assert.Equal(t, "B", got[0].Callee)
}

func TestEmptyQueryReturnsNoResults(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	hits, _, err := s.Search(ctx, SearchRequest{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
