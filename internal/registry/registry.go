// Package registry maintains the durable workspace registry.
//
// The registry maps workspace ids to their roots and daemon liveness info
// and is persisted as a single JSON file rewritten atomically on every
// mutation. Overlap between registered roots is rejected at registration
// time via the path trie.
package registry

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio"

	deckarderrors "github.com/deckard-mcp/deckard/internal/errors"
	"github.com/deckard-mcp/deckard/internal/pathtrie"
)

// SchemaVersion is bumped when the on-disk registry format changes.
const SchemaVersion = 1

// Entry describes one registered workspace.
type Entry struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	Heartbeat time.Time `json:"heartbeat"`
	CreatedAt time.Time `json:"created_at"`
}

type fileFormat struct {
	Schema  int              `json:"schema"`
	Entries map[string]Entry `json:"entries"`
}

// Registry is the in-memory view of the registry file, kept consistent
// with disk by atomic full-file rewrites.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
	trie    *pathtrie.Trie
	now     func() time.Time
}

// WorkspaceID derives the stable workspace id for a normalized root:
// "root-" plus the first 8 hex characters of the SHA-1 of the path.
func WorkspaceID(root string) string {
	sum := sha1.Sum([]byte(NormalizeRoot(root)))
	return "root-" + hex.EncodeToString(sum[:])[:8]
}

// NormalizeRoot resolves a workspace root to a canonical absolute path
// with symlinks evaluated when possible.
func NormalizeRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return strings.TrimSuffix(abs, string(filepath.Separator))
}

// Open loads the registry file at path, creating an empty registry when
// the file does not exist. A corrupt file is reported as Corruption.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		entries: make(map[string]Entry),
		trie:    pathtrie.New(),
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, deckarderrors.Filesystem(path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, deckarderrors.Corruption(
			fmt.Sprintf("registry file %s is not valid JSON", path), err)
	}
	if f.Schema > SchemaVersion {
		return nil, deckarderrors.Corruption(
			fmt.Sprintf("registry schema %d is newer than supported %d", f.Schema, SchemaVersion), nil)
	}
	for id, e := range f.Entries {
		if e.Root == "" {
			continue
		}
		if _, err := r.trie.Insert(e.Root, id); err != nil {
			// Overlapping persisted entries mean a past write went wrong;
			// keep the first and drop the rest rather than refuse to start.
			continue
		}
		r.entries[id] = e
	}
	return r, nil
}

// Register adds a workspace rooted at root, returning its entry.
// Registering an already-registered root refreshes its liveness fields
// and returns the existing id. An overlapping root fails with
// OverlapConflict.
func (r *Registry) Register(root string, port, pid int, version string) (Entry, error) {
	norm := NormalizeRoot(root)
	id := WorkspaceID(norm)

	r.mu.Lock()
	defer r.mu.Unlock()

	existingID, err := r.trie.Insert(norm, id)
	if err != nil {
		return Entry{}, err
	}

	now := r.now()
	entry, ok := r.entries[existingID]
	if !ok {
		entry = Entry{ID: existingID, Root: norm, CreatedAt: now}
	}
	entry.Port = port
	entry.PID = pid
	entry.Version = version
	entry.Heartbeat = now
	r.entries[existingID] = entry

	if err := r.saveLocked(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Heartbeat refreshes the liveness timestamp for id.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return deckarderrors.New(deckarderrors.KindNotFound,
			fmt.Sprintf("workspace %s is not registered", id))
	}
	entry.Heartbeat = r.now()
	r.entries[id] = entry
	return r.saveLocked()
}

// Remove unregisters a workspace id. Unknown ids are a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	r.trie.Remove(entry.Root)
	delete(r.entries, id)
	return r.saveLocked()
}

// Lookup resolves the workspace whose root encloses path, most-specific
// match winning.
func (r *Registry) Lookup(path string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, id, ok := r.trie.Lookup(NormalizeRoot(path))
	if !ok {
		return Entry{}, false
	}
	entry, ok := r.entries[id]
	return entry, ok
}

// Get returns the entry for a workspace id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// List returns all entries sorted by root for stable output.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// PruneStale removes entries whose heartbeat is older than maxAge and
// whose recorded process is gone. It returns the removed ids.
func (r *Registry) PruneStale(maxAge time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var removed []string
	for id, e := range r.entries {
		if e.Heartbeat.After(cutoff) {
			continue
		}
		if e.PID > 0 && processAlive(e.PID) {
			continue
		}
		r.trie.Remove(e.Root)
		delete(r.entries, id)
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := r.saveLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// saveLocked rewrites the registry file atomically. Callers hold r.mu.
func (r *Registry) saveLocked() error {
	f := fileFormat{Schema: SchemaVersion, Entries: r.entries}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return deckarderrors.Filesystem(filepath.Dir(r.path), err)
	}
	if err := renameio.WriteFile(r.path, data, 0o644); err != nil {
		return deckarderrors.Filesystem(r.path, err)
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
