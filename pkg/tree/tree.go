// Package tree holds the set of paths being monitored for a peer.
//
// The peer opens top-level paths. Globs, directories and symlinks grow
// children as they are polled, and the children are rebuilt on every pass.
// A rebuilt child keeps the Node it had on the previous pass as long as its
// path still matches, so its session state survives the rescan.
package tree

import (
	"strings"
	"time"
)

// PathState records whether the last visit to a path succeeded. It's used to
// avoid sending the same error to the peer on every poll pass.
type PathState int

const (
	PathUnknown PathState = iota
	PathOK
	PathError
)

func (s PathState) String() string {
	switch s {
	case PathOK:
		return "ok"
	case PathError:
		return "error"
	}
	return "unknown"
}

// Stat is the part of a stat result used to notice that a file was replaced.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Size    int64
	ModTime time.Time
}

// Node is a monitored filesystem entry.
type Node struct {
	// Path is the path or glob pattern, exactly as given by the peer or as
	// discovered while expanding the parent.
	Path string

	// LastStat is nil until the path has been stat'd successfully.
	LastStat *Stat

	// ClientOffset is the offset the peer expects next, or -1 if nothing has
	// been agreed on yet.
	ClientOffset int64

	// ClientKnownSize is the size of the copy the peer already has.
	ClientKnownSize int64

	State         State
	LastPathState PathState

	Children []*Node
}

// NewNode returns a node that hasn't been polled yet.
func NewNode(path string) *Node {
	return &Node{
		Path:         path,
		ClientOffset: -1,
		State:        StateInit,
	}
}

// IsGlob returns whether the path contains glob metacharacters.
func IsGlob(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// Find searches nodes and their descendants for the given path.
func Find(nodes []*Node, path string) *Node {
	for _, n := range nodes {
		if n.Path == path {
			return n
		}
		if child := Find(n.Children, path); child != nil {
			return child
		}
	}
	return nil
}

// Reconcile builds the child list for a fresh enumeration of `paths`.
// Nodes in `prev` whose path is still present are reused, in the order of
// `paths`. It returns the number of new nodes and the nodes that are gone.
func Reconcile(prev []*Node, paths []string) (next []*Node, added int, removed []*Node) {
	byPath := make(map[string]*Node, len(prev))
	for _, n := range prev {
		byPath[n.Path] = n
	}

	for _, path := range paths {
		n, ok := byPath[path]
		if ok {
			delete(byPath, path)
		} else {
			n = NewNode(path)
			added++
		}
		next = append(next, n)
	}

	// Preserve the previous order for the removed nodes so that deletions are
	// reported deterministically.
	for _, n := range prev {
		if _, ok := byPath[n.Path]; ok {
			removed = append(removed, n)
			delete(byPath, n.Path)
		}
	}
	return next, added, removed
}

// Tree is the set of top-level paths opened by the peer.
type Tree struct {
	roots []*Node
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{}
}

// Roots returns the top-level nodes in the order they were opened.
func (t *Tree) Roots() []*Node {
	return t.roots
}

// Find returns the node for `path` anywhere in the tree.
func (t *Tree) Find(path string) *Node {
	return Find(t.roots, path)
}

// Open starts monitoring `path`. It returns false if the path is already
// being monitored, either as a root or as a discovered child.
func (t *Tree) Open(path string) (*Node, bool) {
	if n := t.Find(path); n != nil {
		return n, false
	}
	n := NewNode(path)
	t.roots = append(t.roots, n)
	return n, true
}

// Close stops monitoring `path` and drops everything beneath it. A nested
// node is detached from its parent, and will come back if the parent's next
// rescan still finds it. Close returns false if the path isn't monitored.
func (t *Tree) Close(path string) bool {
	var removed bool
	t.roots, removed = remove(t.roots, path)
	return removed
}

func remove(nodes []*Node, path string) ([]*Node, bool) {
	for i, n := range nodes {
		if n.Path == path {
			return append(nodes[:i:i], nodes[i+1:]...), true
		}

		var removed bool
		n.Children, removed = remove(n.Children, path)
		if removed {
			return nodes, true
		}
	}
	return nodes, false
}

// Len returns the number of nodes in the tree, including discovered
// children.
func (t *Tree) Len() int {
	return count(t.roots)
}

func count(nodes []*Node) int {
	n := len(nodes)
	for _, node := range nodes {
		n += count(node.Children)
	}
	return n
}
