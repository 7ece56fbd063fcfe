// Package ptree implements the arena-indexed tree used for query trees,
// edit-mutation trees and the XPath mark/sweep pass (design note: tree with
// back-references). Nodes live in a flat slice and refer to each other by
// integer index rather than pointer, so the mark/sweep and defaults walks
// are plain index arithmetic with no risk of reference cycles.
package ptree

// NoParent marks the root node, which has no parent index.
const NoParent = -1

// Node is one arena entry. Value is set only at leaf frontiers; Wildcard
// marks a "match any single child" placeholder used by query trees.
type Node struct {
	Name     string
	Value    string
	HasValue bool
	Wildcard bool
	Marked   bool // used by the XPath mark/sweep pass

	// SchemaPath is the canonical schema-tree path for this node: list
	// instance-key segments are skipped, so every node under a given list
	// shares its schema parent's SchemaPath plus the list's own node name
	// (see schema.Adapter's path-keyed lookups). Empty for nodes a
	// translator did not need to resolve against the schema (e.g. pure
	// XPath EVALUATE result trees, which are matched structurally).
	SchemaPath string

	parent   int
	children []int
}

// Tree is an arena of Nodes; index 0 is always the root once New is called.
type Tree struct {
	nodes []Node
}

// New creates a Tree with a single root node named name.
func New(name string) *Tree {
	t := &Tree{}
	t.nodes = append(t.nodes, Node{Name: name, parent: NoParent})
	return t
}

// Root returns the root node's index (always 0).
func (t *Tree) Root() int { return 0 }

// Node returns a pointer to the node at idx, valid until the next AddChild
// call (append may reallocate the backing slice).
func (t *Tree) Node(idx int) *Node { return &t.nodes[idx] }

// Parent returns the parent index of idx, or NoParent for the root.
func (t *Tree) Parent(idx int) int { return t.nodes[idx].parent }

// Children returns the child indices of idx in insertion order.
func (t *Tree) Children(idx int) []int { return t.nodes[idx].children }

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// AddChild appends a new node named name as a child of parent and returns
// its index. Indices returned by earlier calls remain valid: Node() always
// re-derefs into the current slice, callers should not cache *Node across
// AddChild calls on the same Tree.
func (t *Tree) AddChild(parent int, name string) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{Name: name, parent: parent})
	t.nodes[parent].children = append(t.nodes[parent].children, idx)
	return idx
}

// ChildByName returns the existing child of parent named name, or -1.
func (t *Tree) ChildByName(parent int, name string) int {
	for _, c := range t.nodes[parent].children {
		if t.nodes[c].Name == name {
			return c
		}
	}
	return -1
}

// EnsureChild returns the existing child named name, or creates one.
func (t *Tree) EnsureChild(parent int, name string) int {
	if idx := t.ChildByName(parent, name); idx >= 0 {
		return idx
	}
	return t.AddChild(parent, name)
}

// Ancestors returns the path from idx up to and including the root, nearest
// first.
func (t *Tree) Ancestors(idx int) []int {
	var out []int
	for idx != NoParent {
		out = append(out, idx)
		idx = t.nodes[idx].parent
	}
	return out
}

// Descendants returns every node reachable below idx (idx itself excluded),
// in pre-order.
func (t *Tree) Descendants(idx int) []int {
	var out []int
	var walk func(int)
	walk = func(n int) {
		for _, c := range t.nodes[n].children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(idx)
	return out
}

// IsLeaf reports whether idx has no children.
func (t *Tree) IsLeaf(idx int) bool { return len(t.nodes[idx].children) == 0 }

// Path renders the slash-joined path from root to idx, excluding the root's
// own name (the root represents the datastore root, which has no segment).
func (t *Tree) Path(idx int) string {
	ancestors := t.Ancestors(idx)
	path := ""
	for i := len(ancestors) - 1; i >= 0; i-- {
		n := ancestors[i]
		if t.nodes[n].parent == NoParent {
			continue // skip the synthetic root segment
		}
		path += "/" + t.nodes[n].Name
	}
	if path == "" {
		return "/"
	}
	return path
}

// MarkWithAncestorsAndDescendants marks idx, every ancestor up to the root,
// and every descendant of idx, implementing the XPath EVALUATE keep-rule:
// matched nodes are kept whole, and the path back to <root> survives
// the sweep.
func (t *Tree) MarkWithAncestorsAndDescendants(idx int) {
	for _, a := range t.Ancestors(idx) {
		t.nodes[a].Marked = true
	}
	for _, d := range t.Descendants(idx) {
		t.nodes[d].Marked = true
	}
}

// SweepUnmarked removes every node (and its subtree) that is not marked,
// starting from idx's children, post-order, leaving idx itself untouched
// (the root is never removed by this pass).
func (t *Tree) SweepUnmarked(idx int) {
	kept := t.nodes[idx].children[:0]
	for _, c := range t.nodes[idx].children {
		if !t.nodes[c].Marked {
			continue
		}
		t.SweepUnmarked(c)
		kept = append(kept, c)
	}
	t.nodes[idx].children = kept
}

// SweepEmptyNonLeaves removes any non-leaf, non-value child of idx (at any
// depth) that ended up with zero children after SweepUnmarked, implementing
// the second EVALUATE sweep pass.
func (t *Tree) SweepEmptyNonLeaves(idx int) {
	kept := make([]int, 0, len(t.nodes[idx].children))
	for _, c := range t.nodes[idx].children {
		t.SweepEmptyNonLeaves(c)
		if len(t.nodes[c].children) == 0 && !t.nodes[c].HasValue && !t.nodes[c].Wildcard {
			continue
		}
		kept = append(kept, c)
	}
	t.nodes[idx].children = kept
}

// RemoveChild removes child from parent's children list. The child's own
// arena slot (and whatever it still references) is left in place but
// unreachable, the same trade-off SweepUnmarked makes.
func (t *Tree) RemoveChild(parent, child int) {
	kept := t.nodes[parent].children[:0]
	for _, c := range t.nodes[parent].children {
		if c != child {
			kept = append(kept, c)
		}
	}
	t.nodes[parent].children = kept
}

// Clone performs a deep copy of the subtree rooted at idx into a fresh Tree.
func (t *Tree) Clone(idx int) *Tree {
	out := &Tree{}
	var walk func(srcIdx, dstParent int) int
	walk = func(srcIdx, dstParent int) int {
		src := t.nodes[srcIdx]
		dstIdx := len(out.nodes)
		out.nodes = append(out.nodes, Node{
			Name: src.Name, Value: src.Value, HasValue: src.HasValue,
			Wildcard: src.Wildcard, SchemaPath: src.SchemaPath, Marked: src.Marked,
			parent: dstParent,
		})
		if dstParent != NoParent {
			out.nodes[dstParent].children = append(out.nodes[dstParent].children, dstIdx)
		}
		for _, c := range src.children {
			walk(c, dstIdx)
		}
		return dstIdx
	}
	walk(idx, NoParent)
	return out
}

// XMLNode is the narrow capability set the shared mark/sweep, defaults and
// condition algorithms use to visit an encoding/xml-derived tree, kept
// separate from DataNode so neither algorithm needs a common base type
// (design note: polymorphism over narrow capability sets).
type XMLNode interface {
	Name() string
	Namespace() string
	Text() string
	Children() []XMLNode
}

// DataNode is the narrow capability set for a datastore-derived tree.
type DataNode interface {
	Name() string
	Value() (string, bool)
	Children() []DataNode
}
