// Package pathtrie implements the workspace overlap detector.
//
// Registered workspace roots are stored in a trie keyed by normalized path
// segments so ancestor/descendant checks respect segment boundaries
// ("/proj" does not cover "/project"). No two registered roots may be in
// an ancestor/descendant relationship.
package pathtrie

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/deckard-mcp/deckard/internal/errors"
)

type node struct {
	children map[string]*node
	// terminal marks a registered workspace root ending at this node.
	terminal bool
	id       string
	root     string
}

// Trie is a concurrency-safe prefix tree of registered workspace roots.
type Trie struct {
	mu   sync.RWMutex
	root *node
}

// New creates an empty trie.
func New() *Trie {
	return &Trie{root: &node{children: make(map[string]*node)}}
}

// Segments normalizes an absolute path into its cleaned path segments.
func Segments(path string) []string {
	clean := filepath.Clean(path)
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	if clean == "" || clean == "." {
		return nil
	}
	return strings.Split(clean, string(filepath.Separator))
}

// Insert registers root under id. Registering an identical root is
// idempotent and returns the existing id. A root that is an ancestor or
// descendant of a registered root is rejected with OverlapConflict and
// leaves the trie unchanged.
func (t *Trie) Insert(root, id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := Segments(root)
	cur := t.root
	// The filesystem root is a valid registration and encloses every
	// other path, so any deeper root conflicts with it.
	if cur.terminal && len(segs) > 0 {
		return "", errors.OverlapConflict(root, cur.root)
	}
	// Walk without mutating so rejection leaves no partial path behind.
	var missing []string
	for i, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			missing = segs[i:]
			break
		}
		if next.terminal && i < len(segs)-1 {
			// Hit a registered root before consuming all segments:
			// root is a descendant of it.
			return "", errors.OverlapConflict(root, next.root)
		}
		cur = next
	}

	if missing == nil {
		// Full path already present.
		if cur.terminal {
			return cur.id, nil
		}
		// Descendant terminals below mean root is an ancestor.
		if existing := firstTerminalBelow(cur); existing != nil {
			return "", errors.OverlapConflict(root, existing.root)
		}
		cur.terminal = true
		cur.id = id
		cur.root = root
		return id, nil
	}

	for _, seg := range missing {
		next := &node{children: make(map[string]*node)}
		cur.children[seg] = next
		cur = next
	}
	cur.terminal = true
	cur.id = id
	cur.root = root
	return id, nil
}

// Lookup returns the most-specific registered root enclosing path.
// With the no-nesting invariant there is at most one, but lookup still
// prefers the deepest terminal encountered.
func (t *Trie) Lookup(path string) (root, id string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root
	if cur.terminal {
		root, id, ok = cur.root, cur.id, true
	}
	for _, seg := range Segments(path) {
		next, found := cur.children[seg]
		if !found {
			break
		}
		cur = next
		if cur.terminal {
			root, id, ok = cur.root, cur.id, true
		}
	}
	return root, id, ok
}

// Remove unregisters root, pruning now-empty branches.
// Removing an unknown root is a no-op.
func (t *Trie) Remove(root string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := Segments(root)
	type step struct {
		parent *node
		seg    string
	}
	path := make([]step, 0, len(segs))
	cur := t.root
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			return
		}
		path = append(path, step{parent: cur, seg: seg})
		cur = next
	}
	if !cur.terminal {
		return
	}
	cur.terminal = false
	cur.id = ""
	cur.root = ""

	for i := len(path) - 1; i >= 0; i-- {
		child := path[i].parent.children[path[i].seg]
		if child.terminal || len(child.children) > 0 {
			break
		}
		delete(path[i].parent.children, path[i].seg)
	}
}

// Roots returns all registered roots.
func (t *Trie) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	var walk func(n *node)
	walk = func(n *node) {
		if n.terminal {
			out = append(out, n.root)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	return out
}

func firstTerminalBelow(n *node) *node {
	for _, c := range n.children {
		if c.terminal {
			return c
		}
		if found := firstTerminalBelow(c); found != nil {
			return found
		}
	}
	return nil
}
