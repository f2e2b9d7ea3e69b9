package cophylike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fourLeaf = "((A:1,B:1)P1:1,(C:1,D:1)P2:1)R;"

func dirtySet(d *DirtyPropagator) []int {
	var out []int
	for i, v := range d.dirty {
		if v {
			out = append(out, i)
		}
	}
	return out
}

func TestDirtyPropagation(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	// A=0 B=1 C=2 D=3 P1=4 P2=5 R=6

	tests := []struct {
		name    string
		ev      ChangeEvent
		dirty   []int
		rebuild bool
		site    bool
	}{
		{"node marks itself and children", ChangeEvent{Kind: NodeChanged, Node: 5}, []int{2, 3, 5}, false, false},
		{"tip node", ChangeEvent{Kind: NodeChanged, Node: 0}, []int{0}, false, false},
		{"single branch rate", ChangeEvent{Kind: RateChanged, Node: 4}, []int{4}, false, false},
		{"all branch rates", ChangeEvent{Kind: RateChanged, Node: AllNodes}, []int{0, 1, 2, 3, 4, 5, 6}, true, false},
		{"substitution model", ChangeEvent{Kind: StructureChanged}, []int{0, 1, 2, 3, 4, 5, 6}, true, false},
		{"site model", ChangeEvent{Kind: SiteModelChanged}, []int{0, 1, 2, 3, 4, 5, 6}, false, true},
		{"subtree", ChangeEvent{Kind: SubtreeChanged, Node: 4}, []int{0, 1, 4}, false, false},
		{"whole tree", ChangeEvent{Kind: TreeChanged}, []int{0, 1, 2, 3, 4, 5, 6}, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDirtyPropagator(tree)
			require.NoError(t, d.Apply(tc.ev))
			assert.Equal(t, tc.dirty, dirtySet(d))
			assert.Equal(t, tc.rebuild, d.rebuildTransitionModel)
			assert.Equal(t, tc.site, d.updateSiteModel)
			assert.True(t, d.AnyDirty())
			d.clear()
			assert.False(t, d.AnyDirty())
		})
	}
}

func TestDirtyRejectsUnknownNodes(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	d := newDirtyPropagator(tree)

	for _, ev := range []ChangeEvent{
		{Kind: NodeChanged, Node: 7},
		{Kind: NodeChanged, Node: -1},
		{Kind: RateChanged, Node: 99},
		{Kind: SubtreeChanged, Node: -3},
	} {
		assert.ErrorIs(t, d.Apply(ev), ErrInvalidNode, "%+v", ev)
	}
	assert.ErrorIs(t, d.Apply(ChangeEvent{Kind: ChangeKind(42)}), ErrInvalidConfig)
	assert.False(t, d.AnyDirty())
}
