// Package daemon is the long-lived multi-workspace server: it owns one
// store + indexer + fast-track pipeline per registered workspace, an
// accept loop producing one session per client connection, and the
// client/proxy side of the control protocol.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deckard-mcp/deckard/internal/config"
	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
	"github.com/deckard-mcp/deckard/internal/index"
	"github.com/deckard-mcp/deckard/internal/registry"
	"github.com/deckard-mcp/deckard/internal/store"
	"github.com/deckard-mcp/deckard/internal/symbols"
	"github.com/deckard-mcp/deckard/internal/watcher"
	"github.com/deckard-mcp/deckard/pkg/version"
)

// State is the daemon lifecycle state.
type State string

const (
	// StateStarting is the initial state before bind and registry load.
	StateStarting State = "starting"
	// StateReady means the daemon serves all workspaces.
	StateReady State = "ready"
	// StateDegraded means at least one workspace stopped serving writes;
	// other workspaces and operations continue.
	StateDegraded State = "degraded"
	// StateShuttingDown means the daemon is draining in-flight work.
	StateShuttingDown State = "shutting_down"
)

// busyDegradeThreshold is how many consecutive TransientBusy commit
// failures mark a workspace degraded.
const busyDegradeThreshold = 5

// staleEntryAge is when a registry entry with a dead PID is pruned.
const staleEntryAge = time.Minute

// Instance is one live workspace: its store and both indexing paths.
type Instance struct {
	ID   string
	Root string

	Store     *store.Store
	Indexer   *index.Indexer
	FastTrack *index.FastTrack
	Watcher   *watcher.HybridWatcher

	cancel context.CancelFunc
	// fullPassCh carries at most one pending full-pass request.
	fullPassCh chan struct{}

	mu         sync.Mutex
	degraded   bool
	reason     string
	busyStreak int
}

// Degraded reports whether the instance stopped serving writes, and why.
func (in *Instance) Degraded() (bool, string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.degraded, in.reason
}

// Daemon is the process-wide authority over all workspace instances.
// It holds the registry and instance map as injected state; collaborators
// receive it by reference.
type Daemon struct {
	cfg      *config.Config
	registry *registry.Registry
	started  time.Time

	extractor *symbols.Extractor
	listener  net.Listener

	mu        sync.Mutex
	state     State
	instances map[string]*Instance
	// opening tracks workspaces mid-bring-up so concurrent sessions
	// share one store open instead of racing duplicate instances.
	opening map[string]chan struct{}

	activeSessions atomic.Int64
	lastActivity   atomic.Int64 // unix nanos

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	sessionWG    sync.WaitGroup
	instanceWG   sync.WaitGroup
}

// New creates a daemon bound to the given config and registry.
func New(cfg *config.Config, reg *registry.Registry) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		registry:   reg,
		started:    time.Now(),
		extractor:  symbols.NewExtractor(),
		state:      StateStarting,
		instances:  make(map[string]*Instance),
		opening:    make(map[string]chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	d.touch()
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Addr returns the bound listen address, valid after Run has bound.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Run binds the control port, restores registered workspaces, and
// serves until the context is cancelled or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", d.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()

	if _, err := d.registry.PruneStale(staleEntryAge); err != nil {
		slog.Warn("registry_prune_failed", slog.String("error", err.Error()))
	}

	// Restore workspaces this daemon served before a restart, plus any
	// configured root overrides.
	for _, entry := range d.registry.List() {
		if _, err := d.EnsureWorkspace(ctx, entry.Root); err != nil {
			slog.Warn("workspace_restore_failed",
				slog.String("root", entry.Root),
				slog.String("error", err.Error()))
		}
	}
	for _, root := range d.cfg.Roots {
		if _, err := d.EnsureWorkspace(ctx, root); err != nil {
			slog.Warn("workspace_register_failed",
				slog.String("root", root),
				slog.String("error", err.Error()))
		}
	}

	d.mu.Lock()
	if d.state == StateStarting {
		d.state = StateReady
	}
	d.mu.Unlock()

	slog.Info("daemon_ready",
		slog.String("addr", listener.Addr().String()),
		slog.String("version", version.Short()),
		slog.Int("pid", os.Getpid()))

	go d.heartbeatLoop(ctx)
	if d.cfg.IdleTimeout > 0 {
		go d.idleLoop(ctx)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.shutdownCh:
		}
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-d.shutdownCh:
			default:
				slog.Error("accept_error", slog.String("error", err.Error()))
				continue
			}
			break
		}
		d.sessionWG.Add(1)
		go func() {
			defer d.sessionWG.Done()
			NewSession(d, conn, d.cfg.LegacyFraming).Serve(ctx)
		}()
	}

	d.Shutdown()
	return nil
}

// EnsureWorkspace registers (or finds) the workspace for root and brings
// its instance up: store open, watcher + fast-track running, and an
// initial full pass queued.
func (d *Daemon) EnsureWorkspace(ctx context.Context, root string) (*Instance, error) {
	entry, err := d.registry.Register(root, d.cfg.Port, os.Getpid(), version.Short())
	if err != nil {
		return nil, err
	}

	// Bring-up is single-flight per workspace: the first caller opens the
	// store and watcher, everyone else waits on the done channel and
	// picks up the adopted instance. Without this, concurrent sessions
	// hitting a fresh root would each open a store and spawn duplicate
	// watchers and event loops, and all but the last would leak.
	var done chan struct{}
	for {
		d.mu.Lock()
		if inst, ok := d.instances[entry.ID]; ok {
			d.mu.Unlock()
			return inst, nil
		}
		ch, inflight := d.opening[entry.ID]
		if !inflight {
			done = make(chan struct{})
			d.opening[entry.ID] = done
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()
		select {
		case <-ch:
			// Re-check: the opener either adopted an instance or failed,
			// in which case this caller retries the bring-up.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inst, err := d.openWorkspace(entry)

	d.mu.Lock()
	delete(d.opening, entry.ID)
	d.mu.Unlock()
	close(done)
	return inst, err
}

// openWorkspace opens the store for a registered workspace and starts
// its watcher and event loop. Callers serialize per workspace.
func (d *Daemon) openWorkspace(entry registry.Entry) (*Instance, error) {
	st, err := store.Open(d.cfg.WorkspaceDir(entry.ID), store.Options{
		Mode:     store.Mode(d.cfg.EngineMode),
		Compress: d.cfg.CompressContent,
	})
	if err != nil {
		if deckarderrors.KindOf(err) == deckarderrors.KindCorruption {
			// The store cannot serve; register the instance degraded so
			// health reporting sees it while other workspaces keep going.
			inst := &Instance{ID: entry.ID, Root: entry.Root}
			inst.markDegraded(err.Error())
			d.adopt(inst)
			return inst, err
		}
		return nil, err
	}

	ix, err := index.New(index.Options{
		Root:         entry.Root,
		Store:        st,
		Workers:      d.cfg.WorkerCount(),
		ExcludeDirs:  d.cfg.ExcludeDirs,
		ExcludeGlobs: d.cfg.ExcludeGlobs,
	}, d.extractor)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	instCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		ID:         entry.ID,
		Root:       entry.Root,
		Store:      st,
		Indexer:    ix,
		cancel:     cancel,
		fullPassCh: make(chan struct{}, 1),
	}
	inst.FastTrack = index.NewFastTrack(entry.Root, st, ix, d.cfg.StalenessThreshold, func() {
		select {
		case inst.fullPassCh <- struct{}{}:
		default:
		}
	})

	w, err := watcher.NewHybridWatcher(entry.Root, watcher.Options{
		DebounceWindow: d.cfg.DebounceWindow,
		IgnorePatterns: d.cfg.ExcludeGlobs,
	})
	if err != nil {
		slog.Warn("watcher_create_failed",
			slog.String("root", entry.Root),
			slog.String("error", err.Error()))
	} else if err := w.Start(instCtx); err != nil {
		slog.Warn("watcher_start_failed",
			slog.String("root", entry.Root),
			slog.String("error", err.Error()))
	} else {
		inst.Watcher = w
	}

	d.adopt(inst)

	d.instanceWG.Add(1)
	go d.runInstance(instCtx, inst)

	// Queue the initial full pass.
	inst.fullPassCh <- struct{}{}

	slog.Info("workspace_up",
		slog.String("workspace", entry.ID),
		slog.String("root", entry.Root))
	return inst, nil
}

func (d *Daemon) adopt(inst *Instance) {
	d.mu.Lock()
	d.instances[inst.ID] = inst
	if degraded, _ := inst.Degraded(); degraded {
		d.state = StateDegraded
	}
	d.mu.Unlock()
}

// runInstance is the per-workspace event loop: watcher batches feed the
// fast track, full-pass requests run bulk merges. It exits on cancel,
// finishing the current batch (a commit in progress is never cut short).
func (d *Daemon) runInstance(ctx context.Context, inst *Instance) {
	defer d.instanceWG.Done()

	var events <-chan []watcher.FileEvent
	if inst.Watcher != nil {
		events = inst.Watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-inst.fullPassCh:
			if degraded, _ := inst.Degraded(); degraded {
				continue
			}
			inst.FastTrack.ResetDrift()
			if _, err := inst.Indexer.RunFull(ctx); err != nil {
				d.noteWriteError(inst, err)
			} else {
				inst.clearBusyStreak()
			}
		case batch, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if degraded, _ := inst.Degraded(); degraded {
				continue
			}
			if err := inst.FastTrack.HandleBatch(ctx, batch); err != nil {
				d.noteWriteError(inst, err)
			} else {
				inst.clearBusyStreak()
			}
		}
	}
}

// noteWriteError applies the degradation policy: Corruption degrades the
// workspace immediately; repeated TransientBusy beyond the threshold
// degrades it too. Everything else is logged and absorbed.
func (d *Daemon) noteWriteError(inst *Instance, err error) {
	if contextCause(err) {
		return
	}
	kind := deckarderrors.KindOf(err)
	slog.Warn("workspace_write_error",
		slog.String("workspace", inst.ID),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))

	switch kind {
	case deckarderrors.KindCorruption:
		inst.markDegraded(err.Error())
	case deckarderrors.KindTransientBusy:
		if inst.bumpBusyStreak() >= busyDegradeThreshold {
			inst.markDegraded("persistent write-gate contention")
		}
	default:
		return
	}

	if degraded, reason := inst.Degraded(); degraded {
		d.mu.Lock()
		if d.state == StateReady {
			d.state = StateDegraded
		}
		d.mu.Unlock()
		slog.Error("workspace_degraded",
			slog.String("workspace", inst.ID),
			slog.String("reason", reason))
	}
}

func contextCause(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func (in *Instance) markDegraded(reason string) {
	in.mu.Lock()
	in.degraded = true
	in.reason = reason
	in.mu.Unlock()
}

func (in *Instance) bumpBusyStreak() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.busyStreak++
	return in.busyStreak
}

func (in *Instance) clearBusyStreak() {
	in.mu.Lock()
	in.busyStreak = 0
	in.mu.Unlock()
}

// instanceForRoot resolves the workspace scope for a request. A root
// already enclosed by a registered workspace routes to that workspace,
// so requests scoped to a subdirectory reach the enclosing instance
// instead of colliding with it; an unregistered root is registered on
// first contact.
func (d *Daemon) instanceForRoot(ctx context.Context, root string) (*Instance, error) {
	if root == "" {
		return nil, deckarderrors.New(deckarderrors.KindNotFound,
			"no workspace scope: pass an explicit root or initialize the session")
	}
	if entry, ok := d.registry.Lookup(root); ok {
		d.mu.Lock()
		inst, live := d.instances[entry.ID]
		d.mu.Unlock()
		if live {
			return inst, nil
		}
		return d.EnsureWorkspace(ctx, entry.Root)
	}
	return d.EnsureWorkspace(ctx, root)
}

// RepoCandidates returns registered roots enclosing path, most specific
// first.
func (d *Daemon) RepoCandidates(path string) []RepoCandidate {
	norm := registry.NormalizeRoot(path)
	var out []RepoCandidate
	for _, entry := range d.registry.List() {
		if encloses(entry.Root, norm) {
			out = append(out, RepoCandidate{WorkspaceID: entry.ID, Root: entry.Root})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return len(out[i].Root) > len(out[j].Root)
	})
	return out
}

// encloses reports whether root is path or an ancestor of it, on
// segment boundaries.
func encloses(root, path string) bool {
	if root == path {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, root)
}

// Status assembles the health snapshot for the doctor collaborator and
// the status command.
func (d *Daemon) Status(ctx context.Context, root string) StatusResult {
	d.mu.Lock()
	state := d.state
	instances := make([]*Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		instances = append(instances, inst)
	}
	d.mu.Unlock()

	res := StatusResult{
		DaemonState: string(state),
		Version:     version.Short(),
		PID:         os.Getpid(),
		Uptime:      time.Since(d.started).Round(time.Second).String(),
	}

	norm := ""
	if root != "" {
		norm = registry.NormalizeRoot(root)
	}
	for _, inst := range instances {
		if norm != "" && inst.Root != norm {
			continue
		}
		res.Workspaces = append(res.Workspaces, d.workspaceStatus(ctx, inst))
	}
	sort.Slice(res.Workspaces, func(i, j int) bool {
		return res.Workspaces[i].Root < res.Workspaces[j].Root
	})
	return res
}

func (d *Daemon) workspaceStatus(ctx context.Context, inst *Instance) WorkspaceStatus {
	ws := WorkspaceStatus{
		WorkspaceID: inst.ID,
		Root:        inst.Root,
		State:       "active",
	}
	if degraded, reason := inst.Degraded(); degraded {
		ws.State = "degraded: " + reason
		return ws
	}

	if stats, err := inst.Store.Stats(ctx); err == nil {
		ws.Files = stats.Files
		ws.Symbols = stats.Symbols
	}
	ixStatus := inst.Indexer.Status()
	ws.LastFullIndex = ixStatus.LastFullPass
	ws.FastTrackCommits = ixStatus.FastTrackCommits
	ws.FastTrackLag = inst.FastTrack.CommitsSinceFull()
	if ixStatus.FullPasses > 0 {
		last := ixStatus.LastResult
		ws.LastScan = &ScanSummary{
			Scanned:    last.Scanned,
			Indexed:    last.Indexed,
			Skipped:    last.Skipped,
			Deleted:    last.Deleted,
			DurationMS: last.Duration.Milliseconds(),
		}
	}
	for _, sf := range ixStatus.SlowFiles {
		ws.SlowFiles = append(ws.SlowFiles, SlowFileInfo{
			Path:       sf.Path,
			DurationMS: sf.Duration.Milliseconds(),
		})
	}
	return ws
}

// heartbeatLoop refreshes registry liveness for every live instance.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			ids := make([]string, 0, len(d.instances))
			for id := range d.instances {
				ids = append(ids, id)
			}
			d.mu.Unlock()
			for _, id := range ids {
				if err := d.registry.Heartbeat(id); err != nil {
					slog.Debug("heartbeat_failed",
						slog.String("workspace", id),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// idleLoop shuts the daemon down after IdleTimeout with no connected
// sessions.
func (d *Daemon) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.IdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			if d.activeSessions.Load() > 0 {
				continue
			}
			idle := time.Since(time.Unix(0, d.lastActivity.Load()))
			if idle >= d.cfg.IdleTimeout {
				slog.Info("idle_shutdown", slog.String("idle", idle.String()))
				d.Shutdown()
				return
			}
		}
	}
}

func (d *Daemon) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

// Shutdown drains sessions and in-flight indexing, closes stores, and
// leaves the registry durable for the next daemon. Safe to call more
// than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.state = StateShuttingDown
		listener := d.listener
		instances := make([]*Instance, 0, len(d.instances))
		for _, inst := range d.instances {
			instances = append(instances, inst)
		}
		d.mu.Unlock()

		slog.Info("daemon_shutting_down", slog.Int("workspaces", len(instances)))
		close(d.shutdownCh)
		if listener != nil {
			_ = listener.Close()
		}
		d.sessionWG.Wait()

		for _, inst := range instances {
			if inst.Watcher != nil {
				_ = inst.Watcher.Stop()
			}
			if inst.cancel != nil {
				inst.cancel()
			}
		}
		// Instance loops finish their current batch before exiting; a
		// commit in progress completes.
		d.instanceWG.Wait()
		for _, inst := range instances {
			if inst.Store != nil {
				_ = inst.Store.Close()
			}
		}
		slog.Info("daemon_stopped")
	})
}
