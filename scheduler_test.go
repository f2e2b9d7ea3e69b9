package cophylike

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, tree *Tree, rates BranchRateModel) (*Scheduler, *BufferIndexTable, *DirtyPropagator) {
	t.Helper()
	tb := NewBufferIndexTable(tree.NodeCount(), tree.TipCount())
	d := newDirtyPropagator(tree)
	return NewScheduler(tree, rates, tb, d), tb, d
}

func TestScheduleFullPass(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	s, tb, d := newTestScheduler(t, tree, NewStrictClock(1))
	d.markAll()
	tb.BeginPass()

	sched, err := s.Schedule(tree.Root(), ScheduleOptions{Debug: true})
	require.NoError(t, err)
	assert.Len(t, sched.MatrixUpdates, 6)
	require.Len(t, sched.Operations, 3)
	assert.Equal(t, []int{4, 5, 6}, []int{sched.Operations[0].Node, sched.Operations[1].Node, sched.Operations[2].Node})
	for _, u := range sched.MatrixUpdates {
		assert.Equal(t, 1., u.BranchLength)
	}
	root := sched.Operations[2]
	assert.Equal(t, tb.CurrentPartial(4), root.Left)
	assert.Equal(t, tb.CurrentPartial(5), root.Right)
	assert.Equal(t, tb.CurrentMatrix(4), root.LeftMatrix)
	assert.Equal(t, NoBuffer, root.DestScale)
	assert.False(t, d.AnyDirty())

	tb.BeginPass()
	sched, err = s.Schedule(tree.Root(), ScheduleOptions{Debug: true})
	require.NoError(t, err)
	assert.Empty(t, sched.MatrixUpdates)
	assert.Empty(t, sched.Operations)
}

func TestScheduleOrdering(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 20; trial++ {
		tree := randomTree(t, rng, 3+rng.IntN(40))
		s, tb, d := newTestScheduler(t, tree, NewStrictClock(1))
		d.markAll()
		tb.BeginPass()
		sched, err := s.Schedule(tree.Root(), ScheduleOptions{Scaling: true, Debug: true})
		require.NoError(t, err)
		require.Len(t, sched.Operations, tree.NodeCount()-tree.TipCount())
		require.Len(t, sched.MatrixUpdates, tree.NodeCount()-1)

		pos := make(map[int]int)
		written := map[BufferID]bool{}
		for n := 0; n < tree.TipCount(); n++ {
			written[tb.CurrentPartial(n)] = true
		}
		for i, op := range sched.Operations {
			pos[op.Node] = i
			assert.True(t, written[op.Left], "node %d reads %d before it is written", op.Node, op.Left)
			assert.True(t, written[op.Right], "node %d reads %d before it is written", op.Node, op.Right)
			assert.NotEqual(t, NoBuffer, op.DestScale)
			written[op.Dest] = true
		}
		for n := tree.TipCount(); n < tree.NodeCount(); n++ {
			for _, c := range tree.Children(n) {
				if !tree.IsLeaf(c) {
					assert.Less(t, pos[c], pos[n])
				}
			}
		}
		assert.Equal(t, tree.Root(), sched.Operations[len(sched.Operations)-1].Node)
	}
}

func TestScheduleAncestorPath(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	s, tb, d := newTestScheduler(t, tree, NewStrictClock(1))
	d.markAll()
	tb.BeginPass()
	_, err = s.Schedule(tree.Root(), ScheduleOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Apply(ChangeEvent{Kind: RateChanged, Node: 0}))
	tb.BeginPass()
	sched, err := s.Schedule(tree.Root(), ScheduleOptions{Debug: true})
	require.NoError(t, err)
	require.Len(t, sched.MatrixUpdates, 1)
	assert.Equal(t, 0, sched.MatrixUpdates[0].Node)
	var nodes []int
	for _, op := range sched.Operations {
		nodes = append(nodes, op.Node)
	}
	assert.Equal(t, []int{4, 6}, nodes)
	assert.Equal(t, 0, tb.FlipCount(PartialBuffer, 5))
}

func TestScheduleRecomputeReusesFlippedBuffers(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	s, tb, d := newTestScheduler(t, tree, NewStrictClock(1))
	d.markAll()
	tb.BeginPass()
	_, err = s.Schedule(tree.Root(), ScheduleOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Apply(ChangeEvent{Kind: NodeChanged, Node: 4}))
	tb.BeginPass()
	first, err := s.Schedule(tree.Root(), ScheduleOptions{})
	require.NoError(t, err)
	p4 := tb.CurrentPartial(4)
	p5 := tb.CurrentPartial(5)

	var retry *Schedule
	require.NotPanics(t, func() {
		retry, err = s.Schedule(tree.Root(), ScheduleOptions{Scaling: true, Recompute: true})
	})
	require.NoError(t, err)
	assert.Len(t, first.Operations, 2)
	assert.Len(t, retry.Operations, 3)
	assert.Empty(t, retry.MatrixUpdates)
	assert.Equal(t, p4, tb.CurrentPartial(4), "already flipped this pass")
	assert.NotEqual(t, p5, tb.CurrentPartial(5), "P2 moves off the checkpointed buffer")
	for _, op := range retry.Operations {
		assert.Equal(t, 1, tb.FlipCount(PartialBuffer, op.Node))
		assert.Equal(t, 1, tb.FlipCount(ScaleBuffer, op.Node))
	}
}

func TestScheduleNegativeBranchLength(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	clock := NewLocalClock(tree.NodeCount(), 1)
	clock.SetRate(2, -1)
	s, tb, d := newTestScheduler(t, tree, clock)
	d.markAll()
	tb.BeginPass()
	_, err = s.Schedule(tree.Root(), ScheduleOptions{})
	assert.ErrorIs(t, err, ErrNegativeBranchLength)
}

func TestScheduleDebugCatchesStaleTargets(t *testing.T) {
	tree, err := TreeFromNewick(fourLeaf)
	require.NoError(t, err)
	s, tb, _ := newTestScheduler(t, tree, NewStrictClock(1))
	tb.BeginPass()
	s.sched = &Schedule{Operations: []PartialOperation{{Node: 4, Dest: tb.CurrentPartial(4), DestScale: NoBuffer}}}
	assert.Panics(t, s.check)

	s.sched = &Schedule{MatrixUpdates: []MatrixUpdate{{Node: 1, Matrix: tb.CurrentMatrix(1)}}}
	assert.Panics(t, s.check)
}

func sortedNodes(us []MatrixUpdate) []int {
	var out []int
	for _, u := range us {
		out = append(out, u.Node)
	}
	sort.Ints(out)
	return out
}
