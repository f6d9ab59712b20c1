package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

// GateFileName is the write-gate lock file inside a workspace store dir.
const GateFileName = ".write.lock"

// DefaultGateTimeout bounds how long Acquire waits for a contended gate
// before reporting TransientBusy.
const DefaultGateTimeout = 5 * time.Second

// WriteGate serializes store merges across processes with an advisory
// file lock. The OS releases the lock when the holder dies, so a crashed
// writer never wedges the gate. The holder's PID is recorded in the lock
// file for diagnostics only.
type WriteGate struct {
	path    string
	timeout time.Duration

	acquisitions atomic.Int64
}

// NewWriteGate creates a gate for the store directory.
func NewWriteGate(dir string) *WriteGate {
	return &WriteGate{
		path:    filepath.Join(dir, GateFileName),
		timeout: DefaultGateTimeout,
	}
}

// Acquire takes the gate, polling with backoff until the timeout. On
// contention past the deadline it returns TransientBusy naming the
// recorded holder. The returned release function is safe to call once.
func (g *WriteGate) Acquire(ctx context.Context) (func(), error) {
	fl := flock.New(g.path)

	deadline := time.Now().Add(g.timeout)
	delay := 10 * time.Millisecond
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, deckarderrors.Filesystem(g.path, err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			holder := g.holderPID()
			msg := "write gate is held by another process"
			if holder > 0 {
				msg = fmt.Sprintf("write gate is held by pid %d", holder)
			}
			return nil, deckarderrors.TransientBusy(msg).
				WithSuggestion("retry shortly; the holder releases the gate after its merge")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 500*time.Millisecond {
			delay = 500 * time.Millisecond
		}
	}

	g.acquisitions.Add(1)
	// Best effort: the lock lives on the fd, not the file content.
	_ = os.WriteFile(g.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			_ = fl.Unlock()
		}
	}, nil
}

// Acquisitions reports how many times this gate instance was taken.
func (g *WriteGate) Acquisitions() int64 {
	return g.acquisitions.Load()
}

func (g *WriteGate) holderPID() int {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
