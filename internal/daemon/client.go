package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// DefaultClientTimeout bounds a single request round trip.
const DefaultClientTimeout = 30 * time.Second

// Client speaks the control protocol to a running daemon over one
// persistent connection. Safe for sequential use; calls are serialized.
type Client struct {
	addr    string
	timeout time.Duration
	legacy  bool

	mu     sync.Mutex
	conn   net.Conn
	framer Framer
}

// NewClient creates a client for the daemon at 127.0.0.1:port.
func NewClient(port int, legacyFraming bool) *Client {
	return &Client{
		addr:    fmt.Sprintf("127.0.0.1:%d", port),
		timeout: DefaultClientTimeout,
		legacy:  legacyFraming,
	}
}

// Connect dials the daemon. Idempotent while the connection is healthy.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.addr, err)
	}
	c.conn = conn
	c.framer = NewFramer(conn, c.legacy)
	return nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.framer = nil
	return err
}

// IsRunning reports whether a daemon accepts connections at the address.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("tcp", c.addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}

	if err := WriteMessage(c.framer, req); err != nil {
		c.dropLocked()
		return fmt.Errorf("send %s: %w", method, err)
	}
	resp, err := ReadResponse(c.framer)
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("receive %s: %w", method, err)
	}

	if resp.Error != nil {
		de := deckarderrors.New(deckarderrors.Kind(resp.Error.Kind), resp.Error.Message)
		if resp.Error.Suggestion != "" {
			de = de.WithSuggestion(resp.Error.Suggestion)
		}
		return de
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.framer = nil
	}
}

// Ping checks daemon responsiveness.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var res PingResult
	if err := c.call(ctx, MethodPing, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Initialize binds the connection to a workspace and checks versions.
func (c *Client) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	var res InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Search runs a search in the scoped workspace.
func (c *Client) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	var res SearchResult
	if err := c.call(ctx, MethodSearch, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status fetches the daemon health snapshot.
func (c *Client) Status(ctx context.Context, params StatusParams) (*StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListFiles pages through a workspace's indexed files.
func (c *Client) ListFiles(ctx context.Context, params ListFilesParams) (*ListFilesResult, error) {
	var res ListFilesResult
	if err := c.call(ctx, MethodListFiles, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RepoCandidates asks which registered workspaces enclose a path.
func (c *Client) RepoCandidates(ctx context.Context, path string) (*RepoCandidatesResult, error) {
	var res RepoCandidatesResult
	if err := c.call(ctx, MethodRepoCandidates, RepoCandidatesParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, MethodShutdown, nil, nil)
}
