package daemon

import (
	"encoding/json"
	"errors"
	"time"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// Control protocol method names. The set is closed: anything else is a
// protocol error.
const (
	MethodInitialize     = "initialize"
	MethodSearch         = "search"
	MethodStatus         = "status"
	MethodListFiles      = "list_files"
	MethodRepoCandidates = "repo_candidates"
	MethodPing           = "ping"
	MethodShutdown       = "shutdown"
)

// Request is one framed client request. Params stay raw until the
// method handler decodes them.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the correlated reply to a Request.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo carries a stable error kind plus a human-readable reason, so
// callers can tell retryable conditions from terminal ones.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NewResponse builds a success response, marshalling the result.
func NewResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, deckarderrors.Newf(deckarderrors.KindInternal,
			"encode result: %v", err))
	}
	return Response{ID: id, Result: data}
}

// NewErrorResponse builds an error response from any error, preserving
// the structured kind when the error carries one.
func NewErrorResponse(id string, err error) Response {
	info := ErrorInfo{
		Kind:      string(deckarderrors.KindOf(err)),
		Message:   err.Error(),
		Retryable: deckarderrors.IsRetryable(err),
	}
	var de *deckarderrors.DeckardError
	if errors.As(err, &de) {
		info.Message = de.Message
		if de.Suggestion != "" {
			info.Suggestion = de.Suggestion
		}
	}
	return Response{ID: id, Error: &info}
}

// InitializeParams binds a session to a workspace. Root may be empty
// when the client wants pure auto-detection on later requests.
type InitializeParams struct {
	Root          string `json:"root,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// InitializeResult reports the bound workspace and daemon identity.
type InitializeResult struct {
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Root          string `json:"root,omitempty"`
	DaemonVersion string `json:"daemon_version"`
	DaemonState   string `json:"daemon_state"`
	PID           int    `json:"pid"`
}

// SearchParams is the search method parameter object.
type SearchParams struct {
	Query           string   `json:"query"`
	UseRegex        bool     `json:"use_regex,omitempty"`
	FileTypes       []string `json:"file_types,omitempty"`
	PathPattern     string   `json:"path_pattern,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	RecencyBoost    bool     `json:"recency_boost,omitempty"`
	Offset          int      `json:"offset,omitempty"`
	Limit           int      `json:"limit,omitempty"`

	// Root scopes the request explicitly; it wins over the session's
	// initialized workspace and registry auto-detection.
	Root string `json:"root,omitempty"`
}

// SearchHit is one result snippet with highlighted match spans.
type SearchHit struct {
	Path      string   `json:"path"`
	Language  string   `json:"language,omitempty"`
	Score     float64  `json:"score"`
	StartLine int      `json:"start_line"`
	Snippet   string   `json:"snippet"`
	Spans     [][2]int `json:"spans,omitempty"`
	Modified  string   `json:"modified,omitempty"`
}

// SearchResult carries one page of hits plus the total match count for
// pagination.
type SearchResult struct {
	Hits  []SearchHit `json:"hits"`
	Total int         `json:"total"`
}

// StatusParams selects the workspace to report on; empty means all.
type StatusParams struct {
	Root string `json:"root,omitempty"`
}

// SlowFileInfo is one file whose indexing exceeded the slow threshold.
type SlowFileInfo struct {
	Path       string `json:"path"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkspaceStatus is the per-workspace health view.
type WorkspaceStatus struct {
	WorkspaceID      string         `json:"workspace_id"`
	Root             string         `json:"root"`
	State            string         `json:"state"`
	Files            int            `json:"files"`
	Symbols          int            `json:"symbols"`
	LastFullIndex    time.Time      `json:"last_full_index,omitempty"`
	FastTrackCommits int            `json:"fast_track_commits"`
	FastTrackLag     int            `json:"fast_track_lag"`
	LastScan         *ScanSummary   `json:"last_scan,omitempty"`
	SlowFiles        []SlowFileInfo `json:"slow_files,omitempty"`
}

// ScanSummary reports counters from the most recent full index pass.
type ScanSummary struct {
	Scanned    int   `json:"scanned"`
	Indexed    int   `json:"indexed"`
	Skipped    int   `json:"skipped"`
	Deleted    int   `json:"deleted"`
	DurationMS int64 `json:"duration_ms"`
}

// StatusResult is the status method reply.
type StatusResult struct {
	DaemonState string            `json:"daemon_state"`
	Version     string            `json:"version"`
	PID         int               `json:"pid"`
	Uptime      string            `json:"uptime"`
	Workspaces  []WorkspaceStatus `json:"workspaces"`
}

// ListFilesParams pages through indexed files of a workspace.
type ListFilesParams struct {
	Root       string   `json:"root,omitempty"`
	PathPrefix string   `json:"path_prefix,omitempty"`
	FileTypes  []string `json:"file_types,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

// FileEntry is one listed file.
type FileEntry struct {
	Path     string    `json:"path"`
	Language string    `json:"language,omitempty"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListFilesResult is one page of files plus the total count.
type ListFilesResult struct {
	Files []FileEntry `json:"files"`
	Total int         `json:"total"`
}

// RepoCandidatesParams asks which registered workspaces enclose a path.
type RepoCandidatesParams struct {
	Path string `json:"path"`
}

// RepoCandidate is one enclosing registered workspace.
type RepoCandidate struct {
	WorkspaceID string `json:"workspace_id"`
	Root        string `json:"root"`
}

// RepoCandidatesResult lists enclosing workspaces, most specific first.
type RepoCandidatesResult struct {
	Candidates []RepoCandidate `json:"candidates"`
}

// PingResult is the ping reply.
type PingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}
