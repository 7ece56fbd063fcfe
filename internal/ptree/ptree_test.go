package ptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathAndAncestors(t *testing.T) {
	tr := New("")
	a := tr.AddChild(tr.Root(), "interfaces")
	b := tr.AddChild(a, "interface")
	c := tr.AddChild(b, "eth0")

	assert.Equal(t, "/interfaces/interface/eth0", tr.Path(c))
	ancestors := tr.Ancestors(c)
	assert.Equal(t, []int{c, b, a, tr.Root()}, ancestors)
}

func TestMarkSweepKeepsAncestorsAndDescendants(t *testing.T) {
	tr := New("")
	ifs := tr.AddChild(tr.Root(), "interfaces")
	eth0 := tr.AddChild(ifs, "eth0")
	name0 := tr.AddChild(eth0, "name")
	eth1 := tr.AddChild(ifs, "eth1")
	tr.AddChild(eth1, "name")

	tr.MarkWithAncestorsAndDescendants(name0)
	tr.Node(tr.Root()).Marked = true
	tr.SweepUnmarked(tr.Root())

	children := tr.Children(ifs)
	if assert.Len(t, children, 1) {
		assert.Equal(t, "eth0", tr.Node(children[0]).Name)
	}
}

func TestSweepEmptyNonLeaves(t *testing.T) {
	tr := New("")
	a := tr.AddChild(tr.Root(), "a")
	tr.AddChild(a, "b") // empty container, no value, no children

	tr.SweepEmptyNonLeaves(tr.Root())
	assert.Empty(t, tr.Children(tr.Root()))
}

func TestClone(t *testing.T) {
	tr := New("")
	a := tr.AddChild(tr.Root(), "a")
	tr.Node(a).HasValue = true
	tr.Node(a).Value = "1"

	clone := tr.Clone(tr.Root())
	cloneA := clone.Children(clone.Root())[0]
	assert.Equal(t, "1", clone.Node(cloneA).Value)

	// mutating the clone must not affect the original
	clone.Node(cloneA).Value = "2"
	assert.Equal(t, "1", tr.Node(a).Value)
}
