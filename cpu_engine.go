package cophylike

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

//CPUEngine is an in-process compute engine. Each buffer kind is a fixed arena indexed by BufferID.
type CPUEngine struct {
	cfg       EngineConfig
	tipStates [][]int
	partials  [][]float64
	matrices  [][]float64
	scales    [][]float64
	eigen     []*EigenSystem
	catRates  []float64
}

//NewCPUEngine allocates buffer arenas for cfg
func NewCPUEngine(cfg EngineConfig) (*CPUEngine, error) {
	if cfg.StateCount < 2 || cfg.PatternCount < 1 || cfg.CategoryCount < 1 || cfg.TipCount < 2 {
		return nil, fmt.Errorf("%w: engine needs at least 2 states, 1 pattern, 1 category and 2 tips, got %+v", ErrInvalidConfig, cfg)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	e := &CPUEngine{
		cfg:       cfg,
		tipStates: make([][]int, cfg.TipCount),
		partials:  make([][]float64, cfg.PartialBuffers),
		matrices:  make([][]float64, cfg.MatrixBuffers),
		scales:    make([][]float64, cfg.ScaleBuffers),
		eigen:     make([]*EigenSystem, cfg.EigenBuffers),
		catRates:  make([]float64, cfg.CategoryCount),
	}
	for i := range e.catRates {
		e.catRates[i] = 1.
	}
	return e, nil
}

func (e *CPUEngine) partialSize() int {
	return e.cfg.CategoryCount * e.cfg.PatternCount * e.cfg.StateCount
}

func (e *CPUEngine) SetTipStates(tip int, states []int) error {
	if tip < 0 || tip >= e.cfg.TipCount {
		return fmt.Errorf("%w: tip %d", ErrInvalidNode, tip)
	}
	if len(states) != e.cfg.PatternCount {
		return fmt.Errorf("%w: %d tip states for %d patterns", ErrInvalidConfig, len(states), e.cfg.PatternCount)
	}
	e.tipStates[tip] = append([]int(nil), states...)
	e.partials[tip] = nil
	return nil
}

//SetTipPartials takes one PatternCount*StateCount block and replicates it across categories
func (e *CPUEngine) SetTipPartials(tip int, partials []float64) error {
	if tip < 0 || tip >= e.cfg.TipCount {
		return fmt.Errorf("%w: tip %d", ErrInvalidNode, tip)
	}
	block := e.cfg.PatternCount * e.cfg.StateCount
	if len(partials) != block {
		return fmt.Errorf("%w: %d tip partials, want %d", ErrInvalidConfig, len(partials), block)
	}
	buf := make([]float64, e.partialSize())
	for c := 0; c < e.cfg.CategoryCount; c++ {
		copy(buf[c*block:], partials)
	}
	e.partials[tip] = buf
	e.tipStates[tip] = nil
	return nil
}

func (e *CPUEngine) SetEigenDecomposition(eigen BufferID, es *EigenSystem) error {
	if int(eigen) < 0 || int(eigen) >= len(e.eigen) {
		return fmt.Errorf("%w: eigen buffer %d", ErrInvalidConfig, eigen)
	}
	if len(es.Values) != e.cfg.StateCount {
		return fmt.Errorf("%w: eigen system has %d states, engine has %d", ErrInvalidConfig, len(es.Values), e.cfg.StateCount)
	}
	e.eigen[eigen] = es
	return nil
}

func (e *CPUEngine) SetCategoryRates(rates []float64) error {
	if len(rates) != e.cfg.CategoryCount {
		return fmt.Errorf("%w: %d category rates for %d categories", ErrInvalidConfig, len(rates), e.cfg.CategoryCount)
	}
	copy(e.catRates, rates)
	return nil
}

func (e *CPUEngine) ApplyMatrixUpdates(eigen BufferID, updates []MatrixUpdate) error {
	if int(eigen) < 0 || int(eigen) >= len(e.eigen) || e.eigen[eigen] == nil {
		return fmt.Errorf("%w: eigen buffer %d has not been set", ErrInvalidConfig, eigen)
	}
	es := e.eigen[eigen]
	for _, u := range updates {
		if int(u.Matrix) < 0 || int(u.Matrix) >= len(e.matrices) {
			return fmt.Errorf("%w: matrix buffer %d out of range", ErrInvalidConfig, u.Matrix)
		}
	}
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, u := range updates {
		g.Go(func() error {
			e.fillMatrix(es, u)
			return nil
		})
	}
	return g.Wait()
}

func (e *CPUEngine) fillMatrix(es *EigenSystem, u MatrixUpdate) {
	s := e.cfg.StateCount
	buf := e.matrices[u.Matrix]
	if buf == nil {
		buf = make([]float64, e.cfg.CategoryCount*s*s)
		e.matrices[u.Matrix] = buf
	}
	if u.BranchLength == 0 {
		id := SetIdentityMatrix(s).RawMatrix().Data
		for c := range e.catRates {
			copy(buf[c*s*s:(c+1)*s*s], id)
		}
		return
	}
	expv := make([]float64, s)
	var tmp, p mat.Dense
	for c, r := range e.catRates {
		for i, l := range es.Values {
			expv[i] = math.Exp(l * r * u.BranchLength)
		}
		tmp.Mul(es.V, mat.NewDiagDense(s, expv))
		p.Mul(&tmp, es.VInv)
		off := c * s * s
		for i := 0; i < s; i++ {
			for j := 0; j < s; j++ {
				v := p.At(i, j)
				if v < 0 {
					v = 0
				}
				buf[off+i*s+j] = v
			}
		}
	}
}

func (e *CPUEngine) ApplyPartialOperations(ops []PartialOperation) error {
	for _, op := range ops {
		if err := e.checkOperation(op); err != nil {
			return err
		}
		if e.partials[op.Dest] == nil {
			e.partials[op.Dest] = make([]float64, e.partialSize())
		}
		if op.DestScale != NoBuffer && e.scales[op.DestScale] == nil {
			e.scales[op.DestScale] = make([]float64, e.cfg.PatternCount)
		}
		e.forPatterns(func(lo, hi int) { e.combine(op, lo, hi) })
	}
	return nil
}

func (e *CPUEngine) checkOperation(op PartialOperation) error {
	if int(op.Dest) < e.cfg.TipCount || int(op.Dest) >= len(e.partials) {
		return fmt.Errorf("%w: destination buffer %d", ErrInvalidConfig, op.Dest)
	}
	if op.DestScale != NoBuffer && (int(op.DestScale) < 0 || int(op.DestScale) >= len(e.scales)) {
		return fmt.Errorf("%w: scale buffer %d", ErrInvalidConfig, op.DestScale)
	}
	for _, b := range []BufferID{op.Left, op.Right} {
		if int(b) < 0 || int(b) >= len(e.partials) {
			return fmt.Errorf("%w: partials buffer %d out of range", ErrInvalidConfig, b)
		}
		if e.partials[b] == nil && (int(b) >= e.cfg.TipCount || e.tipStates[b] == nil) {
			return fmt.Errorf("%w: partials buffer %d read before it was written", ErrInvalidConfig, b)
		}
	}
	for _, m := range []BufferID{op.LeftMatrix, op.RightMatrix} {
		if int(m) < 0 || int(m) >= len(e.matrices) || e.matrices[m] == nil {
			return fmt.Errorf("%w: matrix buffer %d read before it was written", ErrInvalidConfig, m)
		}
	}
	return nil
}

// forPatterns splits the pattern range into one chunk per worker.
func (e *CPUEngine) forPatterns(fn func(lo, hi int)) {
	n, w := e.cfg.PatternCount, e.cfg.Workers
	if w == 1 || n < 2*w {
		fn(0, n)
		return
	}
	var g errgroup.Group
	chunk := (n + w - 1) / w
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}

func (e *CPUEngine) combine(op PartialOperation, lo, hi int) {
	s, np := e.cfg.StateCount, e.cfg.PatternCount
	dest := e.partials[op.Dest]
	m1, m2 := e.matrices[op.LeftMatrix], e.matrices[op.RightMatrix]
	for p := lo; p < hi; p++ {
		max := 0.
		for c := 0; c < e.cfg.CategoryCount; c++ {
			moff := c * s * s
			off := (c*np + p) * s
			for i := 0; i < s; i++ {
				v := e.branchSum(op.Left, m1[moff+i*s:moff+(i+1)*s], c, p) *
					e.branchSum(op.Right, m2[moff+i*s:moff+(i+1)*s], c, p)
				dest[off+i] = v
				if v > max {
					max = v
				}
			}
		}
		if op.DestScale == NoBuffer {
			continue
		}
		if max > 0 {
			for c := 0; c < e.cfg.CategoryCount; c++ {
				off := (c*np + p) * s
				for i := 0; i < s; i++ {
					dest[off+i] /= max
				}
			}
			e.scales[op.DestScale][p] = math.Log(max)
		} else {
			e.scales[op.DestScale][p] = 0
		}
	}
}

// branchSum is sum_j P(i->j) L_child(j) for one row of the branch matrix.
func (e *CPUEngine) branchSum(child BufferID, row []float64, c, p int) float64 {
	s := e.cfg.StateCount
	if int(child) < e.cfg.TipCount && e.tipStates[child] != nil {
		st := e.tipStates[child][p]
		if st >= 0 && st < s {
			return row[st]
		}
		sum := 0.
		for _, v := range row {
			sum += v
		}
		return sum
	}
	l := e.partials[child][(c*e.cfg.PatternCount+p)*s:]
	sum := 0.
	for j := 0; j < s; j++ {
		sum += row[j] * l[j]
	}
	return sum
}

func (e *CPUEngine) EvaluateRoot(req RootRequest) ([]float64, error) {
	s, np := e.cfg.StateCount, e.cfg.PatternCount
	if int(req.Root) < 0 || int(req.Root) >= len(e.partials) || e.partials[req.Root] == nil {
		return nil, fmt.Errorf("%w: root buffer %d has not been computed", ErrInvalidConfig, req.Root)
	}
	if len(req.CategoryWeights) != e.cfg.CategoryCount || len(req.StateFrequencies) != s {
		return nil, fmt.Errorf("%w: root needs %d category weights and %d frequencies", ErrInvalidConfig, e.cfg.CategoryCount, s)
	}
	for _, b := range req.ScaleBuffers {
		if int(b) < 0 || int(b) >= len(e.scales) || e.scales[b] == nil {
			return nil, fmt.Errorf("%w: scale buffer %d has not been computed", ErrInvalidConfig, b)
		}
	}
	root := e.partials[req.Root]
	out := make([]float64, np)
	e.forPatterns(func(lo, hi int) {
		for p := lo; p < hi; p++ {
			sum := 0.
			for c, w := range req.CategoryWeights {
				off := (c*np + p) * s
				site := 0.
				for i, f := range req.StateFrequencies {
					site += f * root[off+i]
				}
				sum += w * site
			}
			l := math.Log(sum)
			for _, b := range req.ScaleBuffers {
				l += e.scales[b][p]
			}
			out[p] = l
		}
	})
	return out, nil
}
