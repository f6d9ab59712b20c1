// Package store implements the per-workspace storage engine: durable file
// metadata and symbols in SQLite, full-text search in either SQLite FTS5
// (lightweight mode) or a Bleve index (embedded mode), a staging area for
// bulk writes, and a cross-process write gate.
//
// Writes flow through staging tables and become visible atomically at
// Commit: the merge runs in a single WAL transaction, so concurrent
// readers observe either the previous snapshot or the complete new one,
// never a partial merge.
package store

import "time"

// FileRecord is one indexed file. Path is workspace-relative with
// forward slashes.
type FileRecord struct {
	Path     string
	Language string
	Hash     string
	Size     int64
	MTime    time.Time
	Content  []byte
}

// SymbolRecord is one extracted definition within a file.
type SymbolRecord struct {
	Path      string
	Name      string
	Kind      string
	StartLine int
	EndLine   int
	Signature string
}

// CallEdge records a caller -> callee reference within one file.
type CallEdge struct {
	Path   string
	Caller string
	Callee string
	Line   int
}

// Symbol kinds produced by the extractor.
const (
	SymbolFunction = "function"
	SymbolMethod   = "method"
	SymbolType     = "type"
	SymbolClass    = "class"
)

// SearchRequest is a query with optional metadata filters. Regex switches
// from ranked full-text matching to literal pattern matching over content.
type SearchRequest struct {
	Query      string
	Regex      bool
	Limit      int
	Offset     int
	Languages  []string
	PathPrefix string
	// Excludes are gitignore-style patterns removed from results.
	Excludes []string
	// RecencyBoost re-ranks results so recently modified files score
	// higher. Off by default: relevance alone orders the results.
	RecencyBoost bool
}

// SearchHit is one scored search result.
type SearchHit struct {
	Path     string
	Language string
	Score    float64
	MTime    time.Time
	Snippet  Snippet
}

// Snippet is a small content excerpt around the first match.
type Snippet struct {
	// StartLine is the 1-based line number of the first snippet line.
	StartLine int
	Text      string
	// Highlights are [start,end) byte offsets into Text covering
	// matched terms.
	Highlights [][2]int
}

// FileInfo is the metadata-only view used by file listings.
type FileInfo struct {
	Path     string
	Language string
	Size     int64
	MTime    time.Time
}

// CommitStats summarizes one staging merge.
type CommitStats struct {
	Upserted int
	Deleted  int
	Duration time.Duration
	MergedAt time.Time
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Files       int
	Symbols     int
	StagedFiles int
	StagedDels  int
	LastMerge   time.Time
}
