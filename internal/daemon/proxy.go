package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/deckard-mcp/deckard/internal/config"
	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
)

const (
	// startupTimeout bounds how long EnsureDaemon waits for a freshly
	// spawned daemon to answer ping.
	startupTimeout = 10 * time.Second
	startupPoll    = 100 * time.Millisecond
)

// Proxy bridges a stdio client to the TCP daemon, starting the daemon
// if none is running. Multiple proxies racing to start are serialized
// by a file lock.
type Proxy struct {
	cfg *config.Config

	in  io.Reader
	out io.Writer
}

// NewProxy creates a proxy reading requests from in and writing
// responses to out (normally stdin/stdout).
func NewProxy(cfg *config.Config, in io.Reader, out io.Writer) *Proxy {
	return &Proxy{cfg: cfg, in: in, out: out}
}

// StartLockPath returns the daemon start lock file for a data directory.
func StartLockPath(dataDir string) string {
	return filepath.Join(dataDir, "start.lock")
}

// EnsureDaemon makes sure a daemon is reachable, spawning one when
// needed. The check-spawn sequence runs under the start lock so
// concurrent proxies elect exactly one starter; liveness is re-checked
// after the lock is acquired, since another proxy may have won the race.
func EnsureDaemon(ctx context.Context, cfg *config.Config) error {
	client := NewClient(cfg.Port, cfg.LegacyFraming)
	if client.IsRunning() {
		return nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(StartLockPath(cfg.DataDir))
	lockCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if _, err := lock.TryLockContext(lockCtx, startupPoll); err != nil {
		return fmt.Errorf("acquire start lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Another proxy may have started the daemon while we waited.
	if client.IsRunning() {
		return nil
	}

	if err := spawnDaemon(cfg); err != nil {
		return err
	}
	return waitForDaemon(ctx, cfg)
}

// spawnDaemon launches `deckard daemon` detached from this process.
func spawnDaemon(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "daemon")
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil

	if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
		logPath := filepath.Join(cfg.LogDir, "daemon.log")
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
			defer func() { _ = f.Close() }()
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	// The daemon outlives us; don't hold a wait handle.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}
	slog.Debug("daemon_spawned", slog.Int("port", cfg.Port))
	return nil
}

// waitForDaemon polls ping until the daemon answers or the startup
// window expires.
func waitForDaemon(ctx context.Context, cfg *config.Config) error {
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupPoll):
		}
		client := NewClient(cfg.Port, cfg.LegacyFraming)
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := client.Ping(pingCtx)
		cancel()
		_ = client.Close()
		if err == nil {
			return nil
		}
	}
	return deckarderrors.Newf(deckarderrors.KindTransientBusy,
		"daemon did not become ready within %s", startupTimeout)
}

// Run bridges stdio to the daemon until the client side closes. It
// ensures a daemon is available first, then forwards frames in both
// directions on one persistent connection.
func (p *Proxy) Run(ctx context.Context) error {
	if err := EnsureDaemon(ctx, p.cfg); err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", p.cfg.Port), DefaultClientTimeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	clientFramer := NewFramer(struct {
		io.Reader
		io.Writer
	}{p.in, p.out}, p.cfg.LegacyFraming)
	daemonFramer := NewFramer(conn, p.cfg.LegacyFraming)

	errCh := make(chan error, 2)
	go func() { errCh <- pump(clientFramer, daemonFramer) }()
	go func() { errCh <- pump(daemonFramer, clientFramer) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == io.EOF {
			return nil
		}
		return err
	}
}

// pump copies frames from src to dst until the stream ends.
func pump(src, dst Framer) error {
	for {
		payload, err := src.ReadFrame()
		if err != nil {
			return err
		}
		if err := dst.WriteFrame(payload); err != nil {
			return err
		}
	}
}
