package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// Mode selects the full-text backend.
type Mode string

const (
	// ModeLightweight keeps full text in SQLite FTS5 next to the metadata.
	ModeLightweight Mode = "lightweight"
	// ModeEmbedded keeps full text in a Bleve index beside the database.
	ModeEmbedded Mode = "embedded"
)

const schemaVersion = 1

// Options configures a workspace store.
type Options struct {
	Mode     Mode
	Compress bool
	Scorer   *Scorer
}

// Store is one workspace's storage engine. Metadata, symbols, and the
// staging area live in SQLite (WAL mode); full text lives in FTS5 or
// Bleve depending on Mode. Merges are serialized across processes by
// the write gate and applied in a single transaction so readers always
// see a consistent snapshot.
type Store struct {
	dir      string
	mode     Mode
	compress bool

	db        *sql.DB
	text      *bleveIndex // embedded mode only
	gate      *WriteGate
	scorer    *Scorer
	stopWords map[string]struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLightweight
	}
	if opts.Scorer == nil {
		opts.Scorer = DefaultScorer()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, deckarderrors.Filesystem(dir, err)
	}

	// Corruption is surfaced, never silently repaired: a damaged store
	// means indexed state was lost and the caller must decide to rebuild.
	dbPath := filepath.Join(dir, "store.db")
	if validErr := validateSQLiteIntegrity(dbPath); validErr != nil {
		slog.Error("store_database_corrupted",
			slog.String("path", dbPath),
			slog.String("error", validErr.Error()))
		return nil, deckarderrors.Corruption(
			fmt.Sprintf("store at %s failed its integrity check", dbPath), validErr).
			WithSuggestion("remove the workspace store directory and reindex")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A few connections so readers are not blocked behind a merge;
	// writers are serialized by the gate and BEGIN IMMEDIATE.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{
		dir:       dir,
		mode:      opts.Mode,
		compress:  opts.Compress,
		db:        db,
		gate:      NewWriteGate(dir),
		scorer:    opts.Scorer,
		stopWords: BuildStopWordMap(DefaultCodeStopWords),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if opts.Mode == ModeEmbedded {
		text, err := newBleveIndex(filepath.Join(dir, "text.bleve"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.text = text
	}
	return s, nil
}

// validateSQLiteIntegrity checks the database before opening it for real.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		language TEXT NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		content BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS symbols (
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		signature TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_path ON symbols(path);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

	CREATE TABLE IF NOT EXISTS call_edges (
		path TEXT NOT NULL,
		caller TEXT NOT NULL,
		callee TEXT NOT NULL,
		line INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_edges_path ON call_edges(path);

	CREATE TABLE IF NOT EXISTS staging_files (
		path TEXT PRIMARY KEY,
		language TEXT NOT NULL,
		hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		content BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		tokens TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staging_symbols (
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		signature TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS staging_call_edges (
		path TEXT NOT NULL,
		caller TEXT NOT NULL,
		callee TEXT NOT NULL,
		line INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staging_deletes (
		path TEXT PRIMARY KEY
	);

	INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if s.mode == ModeLightweight {
		fts := `
		CREATE VIRTUAL TABLE IF NOT EXISTS fts_files USING fts5(
			path UNINDEXED,
			content,
			tokenize='unicode61'
		);`
		if _, err := s.db.Exec(fts); err != nil {
			return err
		}
	}
	return nil
}

// Stage writes file upserts plus their symbols and call edges into the
// staging area. Nothing becomes visible to readers until Commit.
func (s *Store) Stage(ctx context.Context, files []FileRecord, symbols []SymbolRecord, edges []CallEdge) error {
	if len(files) == 0 && len(symbols) == 0 && len(edges) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fileStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO staging_files
		(path, language, hash, size, mtime, content, compressed, tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare staging insert: %w", err)
	}
	defer fileStmt.Close()

	for _, f := range files {
		tokens := FilterStopWords(TokenizeCode(string(f.Content)), s.stopWords)
		blob, compressed := encodeContent(f.Content, s.compress)
		if _, err := fileStmt.ExecContext(ctx,
			f.Path, f.Language, f.Hash, f.Size, f.MTime.UnixNano(),
			blob, boolInt(compressed), strings.Join(tokens, " ")); err != nil {
			return fmt.Errorf("stage file %s: %w", f.Path, err)
		}
		// A re-staged file supersedes any pending delete for it.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_deletes WHERE path = ?`, f.Path); err != nil {
			return fmt.Errorf("unstage delete for %s: %w", f.Path, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_symbols WHERE path = ?`, f.Path); err != nil {
			return fmt.Errorf("clear staged symbols for %s: %w", f.Path, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_call_edges WHERE path = ?`, f.Path); err != nil {
			return fmt.Errorf("clear staged call edges for %s: %w", f.Path, err)
		}
	}

	symStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staging_symbols (path, name, kind, start_line, end_line, signature)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer symStmt.Close()

	for _, sym := range symbols {
		if _, err := symStmt.ExecContext(ctx,
			sym.Path, sym.Name, sym.Kind, sym.StartLine, sym.EndLine, sym.Signature); err != nil {
			return fmt.Errorf("stage symbol %s in %s: %w", sym.Name, sym.Path, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO staging_call_edges (path, caller, callee, line)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare call edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, edge := range edges {
		if _, err := edgeStmt.ExecContext(ctx,
			edge.Path, edge.Caller, edge.Callee, edge.Line); err != nil {
			return fmt.Errorf("stage call edge in %s: %w", edge.Path, err)
		}
	}

	return tx.Commit()
}

// StageDeletes marks paths for removal at the next Commit.
func (s *Store) StageDeletes(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO staging_deletes (path) VALUES (?)`, p); err != nil {
			return fmt.Errorf("stage delete %s: %w", p, err)
		}
		// A delete supersedes any pending upsert.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_files WHERE path = ?`, p); err != nil {
			return fmt.Errorf("unstage file %s: %w", p, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_symbols WHERE path = ?`, p); err != nil {
			return fmt.Errorf("unstage symbols %s: %w", p, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM staging_call_edges WHERE path = ?`, p); err != nil {
			return fmt.Errorf("unstage call edges %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// StagedCounts reports pending upserts and deletes.
func (s *Store) StagedCounts(ctx context.Context) (files, deletes int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, fmt.Errorf("store is closed")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_files`).Scan(&files); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_deletes`).Scan(&deletes); err != nil {
		return 0, 0, err
	}
	return files, deletes, nil
}

// Commit merges the staging area into the live tables. An empty staging
// area returns immediately without touching the write gate. The merge is
// one transaction: readers see the old snapshot until it commits, then
// the new one.
func (s *Store) Commit(ctx context.Context) (CommitStats, error) {
	stagedFiles, stagedDeletes, err := s.StagedCounts(ctx)
	if err != nil {
		return CommitStats{}, err
	}
	if stagedFiles == 0 && stagedDeletes == 0 {
		return CommitStats{}, nil
	}

	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return CommitStats{}, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return CommitStats{}, fmt.Errorf("store is closed")
	}

	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitStats{}, fmt.Errorf("begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Embedded mode needs the staged text after the transaction commits.
	var bleveDocs map[string]string
	var bleveDeletes []string
	if s.mode == ModeEmbedded {
		bleveDocs = make(map[string]string, stagedFiles)
		rows, err := tx.QueryContext(ctx,
			`SELECT path, content, compressed FROM staging_files`)
		if err != nil {
			return CommitStats{}, fmt.Errorf("read staged files: %w", err)
		}
		for rows.Next() {
			var path string
			var blob []byte
			var compressed int
			if err := rows.Scan(&path, &blob, &compressed); err != nil {
				rows.Close()
				return CommitStats{}, fmt.Errorf("scan staged file: %w", err)
			}
			content, err := decodeContent(blob, compressed != 0)
			if err != nil {
				rows.Close()
				return CommitStats{}, deckarderrors.Corruption(
					fmt.Sprintf("staged content for %s is undecodable", path), err)
			}
			bleveDocs[path] = string(content)
		}
		if err := rows.Close(); err != nil {
			return CommitStats{}, err
		}

		delRows, err := tx.QueryContext(ctx, `SELECT path FROM staging_deletes`)
		if err != nil {
			return CommitStats{}, fmt.Errorf("read staged deletes: %w", err)
		}
		for delRows.Next() {
			var path string
			if err := delRows.Scan(&path); err != nil {
				delRows.Close()
				return CommitStats{}, err
			}
			bleveDeletes = append(bleveDeletes, path)
		}
		if err := delRows.Close(); err != nil {
			return CommitStats{}, err
		}
	}

	merge := []string{
		`DELETE FROM files WHERE path IN (SELECT path FROM staging_deletes)`,
		`DELETE FROM symbols WHERE path IN (SELECT path FROM staging_deletes)`,
		`DELETE FROM symbols WHERE path IN (SELECT path FROM staging_files)`,
		`DELETE FROM call_edges WHERE path IN (SELECT path FROM staging_deletes)`,
		`DELETE FROM call_edges WHERE path IN (SELECT path FROM staging_files)`,
		`INSERT OR REPLACE INTO files
		 (path, language, hash, size, mtime, content, compressed, indexed_at)
		 SELECT path, language, hash, size, mtime, content, compressed, ?
		 FROM staging_files`,
		`INSERT INTO symbols (path, name, kind, start_line, end_line, signature)
		 SELECT path, name, kind, start_line, end_line, signature
		 FROM staging_symbols`,
		`INSERT INTO call_edges (path, caller, callee, line)
		 SELECT path, caller, callee, line
		 FROM staging_call_edges`,
	}
	if s.mode == ModeLightweight {
		merge = append(merge,
			`DELETE FROM fts_files WHERE path IN
			 (SELECT path FROM staging_files UNION SELECT path FROM staging_deletes)`,
			`INSERT INTO fts_files (path, content)
			 SELECT path, tokens FROM staging_files`,
		)
	}
	merge = append(merge,
		`DELETE FROM staging_files`,
		`DELETE FROM staging_symbols`,
		`DELETE FROM staging_call_edges`,
		`DELETE FROM staging_deletes`,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('last_merge', ?)`,
	)

	now := time.Now()
	for _, stmt := range merge {
		var args []any
		if strings.Contains(stmt, "indexed_at") {
			args = []any{now.UnixNano()}
		} else if strings.Contains(stmt, "last_merge") {
			args = []any{now.Format(time.RFC3339Nano)}
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return CommitStats{}, fmt.Errorf("merge staging: %w", err)
		}
	}
	// The text index applies first: if the batch fails, the transaction
	// rolls back and the staging rows stay put for a retry. The reverse
	// order would record files as indexed with no searchable text. A
	// crash between apply and commit only leaves the text index ahead,
	// and the retried merge re-applies the same documents.
	if s.mode == ModeEmbedded {
		if err := s.text.apply(bleveDocs, bleveDeletes); err != nil {
			return CommitStats{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitStats{}, fmt.Errorf("commit merge: %w", err)
	}

	return CommitStats{
		Upserted: stagedFiles,
		Deleted:  stagedDeletes,
		Duration: time.Since(start),
		MergedAt: now,
	}, nil
}

// Search runs a full-text query with metadata filters and, when the
// request asks for it, recency-boosted ranking. The returned total counts
// matching files before pagination and is exact up to the candidate
// overfetch bound (always exact for regex).
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]SearchHit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, fmt.Errorf("store is closed")
	}

	if req.Limit <= 0 {
		req.Limit = 20
	}

	var hits []SearchHit
	var err error
	if req.Regex {
		hits, err = s.searchRegex(ctx, req)
	} else {
		tokens := FilterStopWords(TokenizeCode(req.Query), s.stopWords)
		if len(tokens) == 0 {
			return []SearchHit{}, 0, nil
		}

		// Overfetch so the recency re-rank and metadata filters have
		// candidates to work with before pagination.
		fetchLimit := (req.Offset + req.Limit) * 4
		if fetchLimit < 50 {
			fetchLimit = 50
		}
		if fetchLimit > 1000 {
			fetchLimit = 1000
		}

		if s.mode == ModeEmbedded {
			hits, err = s.searchBleve(ctx, req, tokens, fetchLimit)
		} else {
			hits, err = s.searchFTS(ctx, req, tokens, fetchLimit)
		}
	}
	if err != nil {
		return nil, 0, err
	}
	hits = filterExcludes(hits, req.Excludes)

	// Ties break on path so repeated queries paginate consistently
	// instead of leaking backend row order into page boundaries.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})
	total := len(hits)

	if req.Offset >= len(hits) {
		return []SearchHit{}, total, nil
	}
	end := req.Offset + req.Limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[req.Offset:end], total, nil
}

// finalScore applies the recency boost only when the request opted in.
func (s *Store) finalScore(req SearchRequest, relevance float64, mtime time.Time) float64 {
	if !req.RecencyBoost {
		return relevance
	}
	return s.scorer.Score(relevance, mtime)
}

// filterExcludes drops hits whose path matches any exclude pattern.
func filterExcludes(hits []SearchHit, patterns []string) []SearchHit {
	if len(patterns) == 0 {
		return hits
	}
	matcher := ignore.CompileIgnoreLines(patterns...)
	kept := hits[:0]
	for _, h := range hits {
		if !matcher.MatchesPath(h.Path) {
			kept = append(kept, h)
		}
	}
	return kept
}

func (s *Store) searchFTS(ctx context.Context, req SearchRequest, tokens []string, fetchLimit int) ([]SearchHit, error) {
	query := `
		SELECT f.path, f.language, f.mtime, f.content, f.compressed,
		       bm25(fts_files) AS score
		FROM fts_files
		JOIN files f ON f.path = fts_files.path
		WHERE fts_files MATCH ?`
	args := []any{strings.Join(tokens, " ")}

	if len(req.Languages) > 0 {
		placeholders := make([]string, len(req.Languages))
		for i, lang := range req.Languages {
			placeholders[i] = "?"
			args = append(args, lang)
		}
		query += fmt.Sprintf(" AND f.language IN (%s)", strings.Join(placeholders, ","))
	}
	if req.PathPrefix != "" {
		query += " AND f.path LIKE ? ESCAPE '\\'"
		args = append(args, likePrefix(req.PathPrefix))
	}
	query += " ORDER BY score LIMIT ?"
	args = append(args, fetchLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 reports invalid match expressions as errors.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []SearchHit{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var path, language string
		var mtimeNanos int64
		var blob []byte
		var compressed int
		var score float64
		if err := rows.Scan(&path, &language, &mtimeNanos, &blob, &compressed, &score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		content, err := decodeContent(blob, compressed != 0)
		if err != nil {
			return nil, deckarderrors.Corruption(
				fmt.Sprintf("stored content for %s is undecodable", path), err)
		}
		mtime := time.Unix(0, mtimeNanos)
		hits = append(hits, SearchHit{
			Path:     path,
			Language: language,
			// FTS5 bm25() is negative, lower is better.
			Score:   s.finalScore(req, -score, mtime),
			MTime:   mtime,
			Snippet: BuildSnippet(string(content), tokens),
		})
	}
	return hits, rows.Err()
}

func (s *Store) searchBleve(ctx context.Context, req SearchRequest, tokens []string, fetchLimit int) ([]SearchHit, error) {
	raw, err := s.text.search(ctx, req.Query, fetchLimit)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []SearchHit{}, nil
	}

	var hits []SearchHit
	for _, hit := range raw {
		var language string
		var mtimeNanos int64
		var blob []byte
		var compressed int
		err := s.db.QueryRowContext(ctx, `
			SELECT language, mtime, content, compressed
			FROM files WHERE path = ?`, hit.ID).
			Scan(&language, &mtimeNanos, &blob, &compressed)
		if err == sql.ErrNoRows {
			// Text index briefly ahead of or behind metadata; skip.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load metadata for %s: %w", hit.ID, err)
		}
		if len(req.Languages) > 0 && !containsString(req.Languages, language) {
			continue
		}
		if req.PathPrefix != "" && !strings.HasPrefix(hit.ID, req.PathPrefix) {
			continue
		}
		content, err := decodeContent(blob, compressed != 0)
		if err != nil {
			return nil, deckarderrors.Corruption(
				fmt.Sprintf("stored content for %s is undecodable", hit.ID), err)
		}
		terms := hit.MatchedTerms
		if len(terms) == 0 {
			terms = tokens
		}
		mtime := time.Unix(0, mtimeNanos)
		hits = append(hits, SearchHit{
			Path:     hit.ID,
			Language: language,
			Score:    s.finalScore(req, hit.Score, mtime),
			MTime:    mtime,
			Snippet:  BuildSnippet(string(content), terms),
		})
	}
	return hits, nil
}

// searchRegex scans committed file content with a compiled pattern.
// Metadata filters narrow the candidate set in SQL; the pattern runs in
// Go. Relevance is the match count, so an optional recency boost still
// applies.
func (s *Store) searchRegex(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	re, err := regexp.Compile(req.Query)
	if err != nil {
		return nil, deckarderrors.Protocol(fmt.Sprintf("invalid regex: %v", err))
	}

	query := `SELECT path, language, mtime, content, compressed FROM files WHERE 1=1`
	var args []any
	if len(req.Languages) > 0 {
		placeholders := make([]string, len(req.Languages))
		for i, lang := range req.Languages {
			placeholders[i] = "?"
			args = append(args, lang)
		}
		query += fmt.Sprintf(" AND language IN (%s)", strings.Join(placeholders, ","))
	}
	if req.PathPrefix != "" {
		query += " AND path LIKE ? ESCAPE '\\'"
		args = append(args, likePrefix(req.PathPrefix))
	}
	query += " ORDER BY path"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("regex scan: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var path, language string
		var mtimeNanos int64
		var blob []byte
		var compressed int
		if err := rows.Scan(&path, &language, &mtimeNanos, &blob, &compressed); err != nil {
			return nil, err
		}
		content, err := decodeContent(blob, compressed != 0)
		if err != nil {
			return nil, deckarderrors.Corruption(
				fmt.Sprintf("stored content for %s is undecodable", path), err)
		}
		matches := re.FindAllStringIndex(string(content), -1)
		if len(matches) == 0 {
			continue
		}
		mtime := time.Unix(0, mtimeNanos)
		first := string(content)[matches[0][0]:matches[0][1]]
		hits = append(hits, SearchHit{
			Path:     path,
			Language: language,
			Score:    s.finalScore(req, float64(len(matches)), mtime),
			MTime:    mtime,
			Snippet:  BuildSnippet(string(content), []string{first}),
		})
	}
	return hits, rows.Err()
}

// ListFiles returns indexed files under an optional path prefix and
// language filter, ordered by path.
func (s *Store) ListFiles(ctx context.Context, prefix string, languages []string, limit, offset int) ([]FileInfo, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, fmt.Errorf("store is closed")
	}
	if limit <= 0 {
		limit = 100
	}

	where := " WHERE 1=1"
	var args []any
	if prefix != "" {
		where += " AND path LIKE ? ESCAPE '\\'"
		args = append(args, likePrefix(prefix))
	}
	if len(languages) > 0 {
		placeholders := make([]string, len(languages))
		for i, lang := range languages {
			placeholders[i] = "?"
			args = append(args, lang)
		}
		where += fmt.Sprintf(" AND language IN (%s)", strings.Join(placeholders, ","))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	query := "SELECT path, language, size, mtime FROM files" + where +
		" ORDER BY path LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var fi FileInfo
		var mtimeNanos int64
		if err := rows.Scan(&fi.Path, &fi.Language, &fi.Size, &mtimeNanos); err != nil {
			return nil, 0, err
		}
		fi.MTime = time.Unix(0, mtimeNanos)
		out = append(out, fi)
	}
	return out, total, rows.Err()
}

// Hashes returns path -> content hash for every indexed file. The
// indexer uses it to skip unchanged files and detect deletions.
func (s *Store) Hashes(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, hash FROM files`)
	if err != nil {
		return nil, fmt.Errorf("query hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		hashes[path] = hash
	}
	return hashes, rows.Err()
}

// SymbolsForPath returns the extracted symbols of one file.
func (s *Store) SymbolsForPath(ctx context.Context, path string) ([]SymbolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, name, kind, start_line, end_line, signature
		FROM symbols WHERE path = ? ORDER BY start_line`, path)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []SymbolRecord
	for rows.Next() {
		var sym SymbolRecord
		if err := rows.Scan(&sym.Path, &sym.Name, &sym.Kind,
			&sym.StartLine, &sym.EndLine, &sym.Signature); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// CallEdgesForPath returns caller -> callee references within one file.
func (s *Store) CallEdgesForPath(ctx context.Context, path string) ([]CallEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, caller, callee, line
		FROM call_edges WHERE path = ? ORDER BY line`, path)
	if err != nil {
		return nil, fmt.Errorf("query call edges: %w", err)
	}
	defer rows.Close()

	var out []CallEdge
	for rows.Next() {
		var edge CallEdge
		if err := rows.Scan(&edge.Path, &edge.Caller, &edge.Callee, &edge.Line); err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

// Stats returns a point-in-time view of the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, fmt.Errorf("store is closed")
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files`).Scan(&st.Files); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM symbols`).Scan(&st.Symbols); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_files`).Scan(&st.StagedFiles); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_deletes`).Scan(&st.StagedDels); err != nil {
		return Stats{}, err
	}

	var lastMerge string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'last_merge'`).Scan(&lastMerge)
	if err == nil {
		if t, parseErr := time.Parse(time.RFC3339Nano, lastMerge); parseErr == nil {
			st.LastMerge = t
		}
	} else if err != sql.ErrNoRows {
		return Stats{}, err
	}
	return st, nil
}

// Gate exposes the write gate, mainly for coordination diagnostics.
func (s *Store) Gate() *WriteGate {
	return s.gate
}

// Close checkpoints and closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.text != nil {
		if err := s.text.close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// likePrefix escapes LIKE metacharacters in a literal path prefix.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
