package cophylike

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chainTree  = "(((A:0.1,B:0.1):0.15,C:0.25):0.1,(D:0.2,E:0.2):0.15);"
	chainFasta = `>A
ACGTACGTTACGATCGATCGGCTA
>B
ACGTACGTTACGATCGATCGGCTA
>C
ACGAACGTTTCGATCGAACGGCTA
>D
TCGAACCTTTCGTTCGAACGGCAA
>E
TCGAACCTTACGTTCGAACGGNAA
`
)

func chainInputs(t *testing.T) (*Tree, *Patterns) {
	t.Helper()
	tree, err := TreeFromNewick(chainTree)
	require.NoError(t, err)
	aln, err := ReadFasta(strings.NewReader(chainFasta))
	require.NoError(t, err)
	pat, err := CompressPatterns(aln, DNA)
	require.NoError(t, err)
	return tree, pat
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shortRun(gens int) RunConfig {
	cfg := DefaultRunConfig()
	cfg.Generations = gens
	cfg.SampleFreq = 50
	cfg.PrintFreq = 0
	cfg.Seed = 7
	return cfg
}

func TestMCMCRun(t *testing.T) {
	tree, pat := chainInputs(t)
	chain, err := InitMCMC(shortRun(400), tree, pat, quietLogger(), nil)
	require.NoError(t, err)
	assert.Len(t, chain.INNODES, 3)

	var logOut, treeOut bytes.Buffer
	sum, err := chain.Run(context.Background(), &logOut, &treeOut)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(logOut.String()), "\n")
	require.Len(t, lines, 1+9)
	assert.Equal(t, "generation\tlogPrior\tlogLikelihood\tclockRate\tkappa\ttreeLength", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0\t"))
	assert.True(t, strings.HasPrefix(lines[9], "400\t"))
	trees := strings.Split(strings.TrimSpace(treeOut.String()), "\n")
	assert.Len(t, trees, 9)
	assert.Equal(t, sum.FinalTree, trees[8])

	proposed, accepted := 0, 0
	for _, m := range sum.Moves {
		proposed += m.Proposed
		accepted += m.Accepted
	}
	assert.Equal(t, 400, proposed)
	assert.Positive(t, accepted)
	assert.Less(t, accepted, proposed)
	assert.LessOrEqual(t, sum.Passes, 1+proposed)
	assert.Equal(t, chain.RUNID.String(), sum.RunID)
	assert.Equal(t, chain.MODELS.HKY.Kappa(), sum.Kappa)
	assert.False(t, math.IsInf(sum.FinalLogPrior, 0))

	// the incremental value must agree with a from-scratch evaluation of the final state
	fresh, err := BuildLikelihood(chain.TREE, pat, chain.MODELS, Options{})
	require.NoError(t, err)
	assert.InDelta(t, eval(t, fresh), sum.FinalLogL, 1e-9)

	// heights stay ordered
	for _, n := range chain.TREE.NODES {
		if n.PAR != nil {
			assert.GreaterOrEqual(t, n.LEN, 0., n.NAME)
		}
	}
}

func TestUpdateTracksEngineLikelihood(t *testing.T) {
	tree, pat := chainInputs(t)
	chain, err := InitMCMC(shortRun(0), tree, pat, quietLogger(), nil)
	require.NoError(t, err)
	_, err = chain.Run(context.Background(), io.Discard, io.Discard)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		before := chain.TREELL.CUR
		require.NoError(t, chain.update(context.Background()))
		assert.Equal(t, eval(t, chain.LIKE), chain.TREELL.CUR, "generation %d", i+1)
		if chain.TREELL.CUR != before {
			assert.Equal(t, before, chain.TREELL.LAST)
		}
	}
}

func TestMCMCIsReproducible(t *testing.T) {
	var finals []*RunSummary
	for i := 0; i < 2; i++ {
		tree, pat := chainInputs(t)
		chain, err := InitMCMC(shortRun(150), tree, pat, quietLogger(), nil)
		require.NoError(t, err)
		sum, err := chain.Run(context.Background(), io.Discard, io.Discard)
		require.NoError(t, err)
		finals = append(finals, sum)
	}
	assert.Equal(t, finals[0].FinalLogL, finals[1].FinalLogL)
	assert.Equal(t, finals[0].FinalTree, finals[1].FinalTree)
	assert.Equal(t, finals[0].Moves, finals[1].Moves)
}

func TestMCMCStopsOnCancel(t *testing.T) {
	tree, pat := chainInputs(t)
	chain, err := InitMCMC(shortRun(1000), tree, pat, quietLogger(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = chain.Run(ctx, io.Discard, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitMCMCRejectsBadConfig(t *testing.T) {
	tree, pat := chainInputs(t)
	cfg := shortRun(10)
	cfg.SampleFreq = 0
	_, err := InitMCMC(cfg, tree, pat, quietLogger(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = shortRun(10)
	cfg.Alphabet = "binary"
	_, err = InitMCMC(cfg, tree, pat, quietLogger(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "DNA patterns cannot feed a two-state model")
}

func TestReflectWindow(t *testing.T) {
	assert.Equal(t, 0.5, reflectWindow(0.5, 0, 1))
	assert.InDelta(t, 0.2, reflectWindow(-0.2, 0, 1), 1e-15)
	assert.InDelta(t, 0.7, reflectWindow(1.3, 0, 1), 1e-15)
	assert.InDelta(t, 0.5, reflectWindow(2.5, 0, 1), 1e-15)
	assert.Equal(t, 2., reflectWindow(5, 2, 2))
}

func TestAdjustStepLength(t *testing.T) {
	assert.InDelta(t, 1, adjustStepLength(1, 0.44), 1e-12)
	assert.Greater(t, adjustStepLength(1, 0.9), 1.)
	assert.Less(t, adjustStepLength(1, 0.1), 1.)
	assert.False(t, math.IsInf(adjustStepLength(1, 1), 0))
}

func TestPriors(t *testing.T) {
	p, err := InitExpPrior("rate", 2)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(0.5)-1.5, p.Calc(3), 1e-12)
	_, err = InitExpPrior("rate", 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.True(t, math.IsInf(p.Calc(-1), -1))
}
