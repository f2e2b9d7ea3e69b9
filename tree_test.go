package cophylike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTree(t *testing.T) {
	root, err := ReadTree(" ((A:0.1,'B c':0.2)ab:0.3, C:1e-1) ;")
	require.NoError(t, err)
	require.Len(t, root.CHLD, 2)
	ab := root.CHLD[0]
	assert.Equal(t, "ab", ab.NAME)
	assert.Equal(t, 0.3, ab.LEN)
	assert.Equal(t, "B c", ab.CHLD[1].NAME)
	assert.Equal(t, 0.1, root.CHLD[1].LEN)
	assert.Same(t, root, ab.PAR)
	assert.Equal(t, "((A:0.1,B c:0.2)ab:0.3,C:0.1)", root.Newick(true))
	assert.Equal(t, "((A,B c)ab,C)", root.Newick(false))
}

func TestReadTreeErrors(t *testing.T) {
	for _, nwk := range []string{
		"((A,B),C",
		"(A,B));",
		"(A:x,B);",
		"(A,B)C;extra",
		"(A;B)",
	} {
		_, err := ReadTree(nwk)
		assert.ErrorIs(t, err, ErrMalformedTree, nwk)
	}
}

func TestTreeNumberingAndHeights(t *testing.T) {
	tree, err := TreeFromNewick("((A:1,B:1)P1:2,(C:2,D:0.5)P2:1)R;")
	require.NoError(t, err)
	require.NoError(t, ValidateTree(tree))
	assert.Equal(t, 7, tree.NodeCount())
	assert.Equal(t, 4, tree.TipCount())
	assert.Equal(t, 6, tree.Root())
	assert.Equal(t, []string{"A", "B", "C", "D"}, tree.TipNames())
	assert.Equal(t, "P1", tree.Node(4).NAME)
	assert.Equal(t, "P2", tree.Node(5).NAME)
	assert.Equal(t, []int{4, 5}, tree.Children(6))
	assert.Equal(t, -1, tree.Parent(6))
	assert.Equal(t, 5, tree.Parent(3))

	// deepest tip C sits at depth 3
	assert.Equal(t, 3., tree.Height(6))
	assert.Equal(t, 1., tree.Height(4))
	assert.Equal(t, 2., tree.Height(5))
	assert.Equal(t, 0., tree.Height(2))
	assert.Equal(t, 1.5, tree.Height(3))
	assert.Equal(t, 0., tree.Height(0))
}

func TestNewTreeRejectsNonBinary(t *testing.T) {
	_, err := TreeFromNewick("(A:1,B:1,C:1);")
	assert.ErrorIs(t, err, ErrMalformedTree)
	_, err = TreeFromNewick("((A:1)X:1,B:2);")
	assert.ErrorIs(t, err, ErrMalformedTree)
}

func TestSetNodeHeight(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	var events []ChangeEvent
	tree.Listen(func(ev ChangeEvent) { events = append(events, ev) })

	tree.SetNodeHeight(5, 1.25)
	assert.Equal(t, []ChangeEvent{{Kind: NodeChanged, Node: 5}}, events)
	assert.Equal(t, 0.75, tree.Node(5).LEN)
	assert.Equal(t, 1.25, tree.Node(2).LEN)
	assert.Equal(t, 1.25, tree.Node(3).LEN)
	assert.Equal(t, "((A:1,B:1)P1:1,(C:1.25,D:1.25)P2:0.75)R;", tree.Newick())
}

// fakeTree lets tests hand ValidateTree layouts the Tree type never builds.
type fakeTree struct {
	tips     int
	parent   []int
	children [][]int
}

func (f fakeTree) NodeCount() int { return len(f.parent) }
func (f fakeTree) TipCount() int { return f.tips }
func (f fakeTree) Root() int { return len(f.parent) - 1 }
func (f fakeTree) IsLeaf(n int) bool { return len(f.children[n]) == 0 }
func (f fakeTree) Parent(n int) int { return f.parent[n] }
func (f fakeTree) Children(n int) []int { return f.children[n] }
func (f fakeTree) Height(n int) float64 { return 0 }

func TestValidateTree(t *testing.T) {
	good := fakeTree{tips: 2, parent: []int{2, 2, -1}, children: [][]int{nil, nil, {0, 1}}}
	assert.NoError(t, ValidateTree(good))

	tests := map[string]fakeTree{
		"wrong node count": {tips: 2, parent: []int{2, 2, -1, -1}, children: [][]int{nil, nil, {0, 1}, nil}},
		"tip among internals": {tips: 2, parent: []int{2, -1, -1}, children: [][]int{nil, {0, 2}, nil}},
		"broken back pointer": {tips: 2, parent: []int{2, 0, -1}, children: [][]int{nil, nil, {0, 1}}},
		"cycle": {
			tips:     3,
			parent:   []int{3, 3, 4, 4, -1},
			children: [][]int{nil, nil, nil, {0, 4}, {3, 2}},
		},
	}
	for name, tr := range tests {
		assert.ErrorIs(t, ValidateTree(tr), ErrMalformedTree, name)
	}
}

func TestNodeHelpers(t *testing.T) {
	tree, err := TreeFromNewick("((A:1,B:1)P1:1,(C:1,D:1)P2:1)R;")
	require.NoError(t, err)
	root := tree.ROOT
	assert.Len(t, root.PreorderArray(), 7)
	assert.Equal(t, root, root.PreorderArray()[0])
	assert.Equal(t, root, root.PostorderArray()[6])
	var names []string
	for _, n := range root.Tips() {
		names = append(names, n.NAME)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, names)
	assert.Len(t, InternalNodeSlice(tree.NODES), 3)
	assert.Equal(t, 6., TreeLength(tree.NODES))

	p1 := tree.Node(4)
	a := p1.CHLD[0]
	p1.RemoveChild(a)
	assert.Nil(t, a.PAR)
	assert.Len(t, p1.CHLD, 1)
	p1.AddChild(a)
	assert.Same(t, p1, a.PAR)
}
