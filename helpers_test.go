package cophylike

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// randomTree joins random lineages until one is left, so heights are
// ultrametric and every branch length is positive.
func randomTree(t testing.TB, rng *rand.Rand, tips int) *Tree {
	t.Helper()
	var lineages []*Node
	for i := 0; i < tips; i++ {
		lineages = append(lineages, &Node{NAME: fmt.Sprintf("t%d", i)})
	}
	heights := make(map[*Node]float64)
	h := 0.
	for len(lineages) > 1 {
		h += 0.05 + rng.Float64()*0.3
		i := rng.IntN(len(lineages))
		a := lineages[i]
		lineages = append(lineages[:i], lineages[i+1:]...)
		j := rng.IntN(len(lineages))
		b := lineages[j]
		lineages = append(lineages[:j], lineages[j+1:]...)
		p := new(Node)
		p.AddChild(a)
		p.AddChild(b)
		a.LEN = h - heights[a]
		b.LEN = h - heights[b]
		heights[p] = h
		lineages = append(lineages, p)
	}
	tree, err := NewTree(lineages[0])
	require.NoError(t, err)
	return tree
}

// caterpillar builds (((t0,t1),t2),t3)... with every tip at height zero.
func caterpillar(t testing.TB, tips int, step float64) *Tree {
	t.Helper()
	cur := &Node{NAME: "t0"}
	h := 0.
	for i := 1; i < tips; i++ {
		p := new(Node)
		tip := &Node{NAME: fmt.Sprintf("t%d", i)}
		p.AddChild(cur)
		p.AddChild(tip)
		cur.LEN = step
		tip.LEN = h + step
		h += step
		cur = p
	}
	tree, err := NewTree(cur)
	require.NoError(t, err)
	return tree
}

func randomStates(rng *rand.Rand, tips, patterns, states int) [][]int {
	out := make([][]int, tips)
	for i := range out {
		out[i] = make([]int, patterns)
		for p := range out[i] {
			out[i][p] = rng.IntN(states)
		}
	}
	return out
}

func flatWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

type testModels struct {
	hky   *HKY
	gamma *GammaSiteRates
	clock *LocalClock
}

// dnaEngine builds an HKY+G4 engine on a local clock over random data.
func dnaEngine(t testing.TB, tree *Tree, rng *rand.Rand, patterns int, opts Options) (*TreeLikelihood, *testModels) {
	t.Helper()
	hky, err := NewHKY(2, []float64{.3, .2, .2, .3})
	require.NoError(t, err)
	gamma, err := NewGammaSiteRates(0.7, 4)
	require.NoError(t, err)
	m := &testModels{hky: hky, gamma: gamma, clock: NewLocalClock(tree.NodeCount(), 1)}
	l, err := NewTreeLikelihood(LikelihoodConfig{
		Tree:           tree,
		Substitution:   hky,
		SiteRates:      gamma,
		BranchRates:    m.clock,
		TipStates:      randomStates(rng, tree.TipCount(), patterns, 4),
		PatternWeights: flatWeights(patterns),
	}, opts)
	require.NoError(t, err)
	return l, m
}

// recordingEngine counts calls into the wrapped backend.
type recordingEngine struct {
	ComputeEngine
	calls map[string]int
}

func newRecordingEngine(t testing.TB, cfg EngineConfig) *recordingEngine {
	t.Helper()
	cpu, err := NewCPUEngine(cfg)
	require.NoError(t, err)
	return &recordingEngine{ComputeEngine: cpu, calls: make(map[string]int)}
}

func (r *recordingEngine) total() int {
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *recordingEngine) SetEigenDecomposition(eigen BufferID, es *EigenSystem) error {
	r.calls["eigen"]++
	return r.ComputeEngine.SetEigenDecomposition(eigen, es)
}

func (r *recordingEngine) SetCategoryRates(rates []float64) error {
	r.calls["rates"]++
	return r.ComputeEngine.SetCategoryRates(rates)
}

func (r *recordingEngine) ApplyMatrixUpdates(eigen BufferID, updates []MatrixUpdate) error {
	r.calls["matrices"]++
	return r.ComputeEngine.ApplyMatrixUpdates(eigen, updates)
}

func (r *recordingEngine) ApplyPartialOperations(ops []PartialOperation) error {
	r.calls["operations"]++
	return r.ComputeEngine.ApplyPartialOperations(ops)
}

func (r *recordingEngine) EvaluateRoot(req RootRequest) ([]float64, error) {
	r.calls["root"]++
	return r.ComputeEngine.EvaluateRoot(req)
}

// liveSlots snapshots every current buffer id of the table.
func liveSlots(tb *BufferIndexTable) []BufferID {
	var out []BufferID
	for n := 0; n < tb.nodeCount; n++ {
		out = append(out, tb.CurrentPartial(n), tb.CurrentScale(n))
		if n != tb.nodeCount-1 {
			out = append(out, tb.CurrentMatrix(n))
		}
	}
	return append(out, tb.CurrentEigen())
}
