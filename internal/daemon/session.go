package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
	"github.com/deckard-mcp/deckard/internal/store"
	"github.com/deckard-mcp/deckard/pkg/version"
)

// Session is one connected client: a protocol state machine that
// validates scope per request and routes to the right workspace
// instance. Protocol errors are answered and leave the session open;
// only transport errors end it.
type Session struct {
	id     string
	daemon *Daemon
	conn   net.Conn
	framer Framer

	// root is the workspace bound at initialize; explicit per-request
	// roots take precedence over it.
	root string
}

// NewSession wraps a client connection.
func NewSession(d *Daemon, conn net.Conn, legacyFraming bool) *Session {
	return &Session{
		id:     uuid.NewString(),
		daemon: d,
		conn:   conn,
		framer: NewFramer(conn, legacyFraming),
	}
}

// Serve runs the request loop until the client disconnects or the
// daemon shuts down.
func (s *Session) Serve(ctx context.Context) {
	defer func() { _ = s.conn.Close() }()

	s.daemon.activeSessions.Add(1)
	defer func() {
		s.daemon.activeSessions.Add(-1)
		s.daemon.touch()
	}()

	slog.Debug("session_open",
		slog.String("session", s.id),
		slog.String("remote", s.conn.RemoteAddr().String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.daemon.shutdownCh:
			return
		default:
		}

		req, err := ReadRequest(s.framer)
		if err != nil {
			if deckarderrors.KindOf(err) == deckarderrors.KindProtocol {
				// Malformed request: answer and keep the session open.
				_ = WriteMessage(s.framer, NewErrorResponse("", err))
				continue
			}
			if err != io.EOF {
				slog.Debug("session_read_error",
					slog.String("session", s.id),
					slog.String("error", err.Error()))
			}
			return
		}

		s.daemon.touch()
		resp := s.dispatch(ctx, req)
		if err := WriteMessage(s.framer, resp); err != nil {
			slog.Debug("session_write_error",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
			return
		}

		if req.Method == MethodShutdown {
			go s.daemon.Shutdown()
			return
		}
	}
}

// dispatch routes one request. The method set is closed.
func (s *Session) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewResponse(req.ID, PingResult{Pong: true, Version: version.Short()})
	case MethodInitialize:
		return s.handleInitialize(ctx, req)
	case MethodSearch:
		return s.handleSearch(ctx, req)
	case MethodStatus:
		return s.handleStatus(ctx, req)
	case MethodListFiles:
		return s.handleListFiles(ctx, req)
	case MethodRepoCandidates:
		return s.handleRepoCandidates(req)
	case MethodShutdown:
		return NewResponse(req.ID, map[string]bool{"stopping": true})
	default:
		return NewErrorResponse(req.ID,
			deckarderrors.Newf(deckarderrors.KindProtocol, "unknown method %q", req.Method))
	}
}

func decodeParams[T any](req Request) (T, error) {
	var params T
	if len(req.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, deckarderrors.Newf(deckarderrors.KindProtocol,
			"invalid %s params: %v", req.Method, err)
	}
	return params, nil
}

func (s *Session) handleInitialize(ctx context.Context, req Request) Response {
	params, err := decodeParams[InitializeParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	// A newer client talking to this daemon means the daemon binary is
	// stale; signal it so the client can trigger a restart.
	if params.ClientVersion != "" && version.IsNewer(params.ClientVersion, version.Short()) {
		return NewErrorResponse(req.ID,
			deckarderrors.VersionMismatch(version.Short(), params.ClientVersion))
	}

	result := InitializeResult{
		DaemonVersion: version.Short(),
		DaemonState:   string(s.daemon.State()),
		PID:           os.Getpid(),
	}
	if params.Root != "" {
		inst, err := s.daemon.EnsureWorkspace(ctx, params.Root)
		if err != nil {
			return NewErrorResponse(req.ID, err)
		}
		s.root = inst.Root
		result.WorkspaceID = inst.ID
		result.Root = inst.Root
	}
	return NewResponse(req.ID, result)
}

func (s *Session) handleSearch(ctx context.Context, req Request) Response {
	params, err := decodeParams[SearchParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	if params.Query == "" {
		return NewErrorResponse(req.ID, deckarderrors.Protocol("query is required"))
	}

	inst, err := s.resolve(ctx, params.Root)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	if degraded, reason := inst.Degraded(); degraded {
		return NewErrorResponse(req.ID,
			deckarderrors.New(deckarderrors.KindCorruption, reason).WithWorkspace(inst.ID))
	}

	storeReq := store.SearchRequest{
		Query:        params.Query,
		Regex:        params.UseRegex,
		Limit:        params.Limit,
		Offset:       params.Offset,
		Languages:    params.FileTypes,
		PathPrefix:   params.PathPattern,
		Excludes:     params.ExcludePatterns,
		RecencyBoost: params.RecencyBoost,
	}
	hits, total, err := inst.Store.Search(ctx, storeReq)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	result := SearchResult{Hits: make([]SearchHit, 0, len(hits)), Total: total}
	for _, h := range hits {
		result.Hits = append(result.Hits, SearchHit{
			Path:      h.Path,
			Language:  h.Language,
			Score:     h.Score,
			StartLine: h.Snippet.StartLine,
			Snippet:   h.Snippet.Text,
			Spans:     h.Snippet.Highlights,
			Modified:  h.MTime.Format(time.RFC3339),
		})
	}
	return NewResponse(req.ID, result)
}

func (s *Session) handleStatus(ctx context.Context, req Request) Response {
	params, err := decodeParams[StatusParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	root := params.Root
	if root == "" {
		root = s.root
	}
	// Status with no scope at all reports every workspace.
	return NewResponse(req.ID, s.daemon.Status(ctx, root))
}

func (s *Session) handleListFiles(ctx context.Context, req Request) Response {
	params, err := decodeParams[ListFilesParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	inst, err := s.resolve(ctx, params.Root)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	files, total, err := inst.Store.ListFiles(ctx, params.PathPrefix, params.FileTypes,
		params.Limit, params.Offset)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	result := ListFilesResult{Files: make([]FileEntry, 0, len(files)), Total: total}
	for _, f := range files {
		result.Files = append(result.Files, FileEntry{
			Path:     f.Path,
			Language: f.Language,
			Size:     f.Size,
			Modified: f.MTime,
		})
	}
	return NewResponse(req.ID, result)
}

func (s *Session) handleRepoCandidates(req Request) Response {
	params, err := decodeParams[RepoCandidatesParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	if params.Path == "" {
		return NewErrorResponse(req.ID, deckarderrors.Protocol("path is required"))
	}
	return NewResponse(req.ID, RepoCandidatesResult{
		Candidates: s.daemon.RepoCandidates(params.Path),
	})
}

// resolve picks the workspace for a request: explicit root first, then
// the session's initialized root.
func (s *Session) resolve(ctx context.Context, explicitRoot string) (*Instance, error) {
	if explicitRoot == "" {
		explicitRoot = s.root
	}
	return s.daemon.instanceForRoot(ctx, explicitRoot)
}
