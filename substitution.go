package cophylike

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

//SubstitutionModel provides the rate matrix shared by every branch
type SubstitutionModel interface {
	StateCount() int
	Frequencies() []float64
	EigenDecomposition() (*EigenSystem, error)
	// Version changes whenever a parameter that affects every transition matrix changes.
	Version() uint64
}

//Reversible is a time-reversible rate matrix given by exchangeabilities and equilibrium frequencies
type Reversible struct {
	Freqs []float64
	Exch  *mat.SymDense // off-diagonal exchangeabilities; the diagonal is ignored
}

//EigenDecomposition will normalise Q to one expected substitution per unit time and diagonalise it
func (r *Reversible) EigenDecomposition() (*EigenSystem, error) {
	n := len(r.Freqs)
	if rr, _ := r.Exch.Dims(); rr != n {
		return nil, fmt.Errorf("%w: %d frequencies for a %dx%d exchangeability matrix", ErrInvalidConfig, n, rr, rr)
	}
	total := 0.
	for _, f := range r.Freqs {
		if !(f > 0) {
			return nil, fmt.Errorf("%w: state frequencies must be positive, got %v", ErrInvalidConfig, r.Freqs)
		}
		total += f
	}
	pi := make([]float64, n)
	for i, f := range r.Freqs {
		pi[i] = f / total
	}
	// mean rate -sum_i pi_i Q_ii
	mu := 0.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				mu += pi[i] * r.Exch.At(i, j) * pi[j]
			}
		}
	}
	if !(mu > 0) {
		return nil, fmt.Errorf("%w: rate matrix has no off-diagonal mass", ErrInvalidConfig)
	}
	// B = D^1/2 Q D^-1/2 is symmetric
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		row := 0.
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			q := r.Exch.At(i, j) * pi[j] / mu
			row += q
			if j > i {
				b.SetSym(i, j, math.Sqrt(pi[i]*pi[j])*r.Exch.At(i, j)/mu)
			}
		}
		b.SetSym(i, i, -row)
	}
	var es mat.EigenSym
	if ok := es.Factorize(b, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition of the rate matrix failed", ErrInvalidConfig)
	}
	var u mat.Dense
	es.VectorsTo(&u)
	v := mat.NewDense(n, n, nil)
	vinv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v.Set(i, j, u.At(i, j)/math.Sqrt(pi[i]))
			vinv.Set(j, i, u.At(i, j)*math.Sqrt(pi[i]))
		}
	}
	return &EigenSystem{Values: es.Values(nil), V: v, VInv: vinv}, nil
}

//HKY is the Hasegawa-Kishino-Yano nucleotide model over states A,C,G,T. Kappa 1 with equal frequencies is JC69.
type HKY struct {
	kappa   float64
	freqs   []float64
	version uint64

	storedKappa   float64
	storedVersion uint64
}

//NewHKY builds an HKY model; nil freqs means equal frequencies
func NewHKY(kappa float64, freqs []float64) (*HKY, error) {
	if freqs == nil {
		freqs = []float64{.25, .25, .25, .25}
	}
	if len(freqs) != 4 {
		return nil, fmt.Errorf("%w: HKY needs 4 frequencies, got %d", ErrInvalidConfig, len(freqs))
	}
	if !(kappa > 0) {
		return nil, fmt.Errorf("%w: kappa must be positive, got %g", ErrInvalidConfig, kappa)
	}
	return &HKY{kappa: kappa, freqs: append([]float64(nil), freqs...)}, nil
}

func (m *HKY) StateCount() int { return 4 }

func (m *HKY) Frequencies() []float64 {
	total := 0.
	for _, f := range m.freqs {
		total += f
	}
	out := make([]float64, 4)
	for i, f := range m.freqs {
		out[i] = f / total
	}
	return out
}

func (m *HKY) Version() uint64 { return m.version }

//Kappa is the transition/transversion rate ratio
func (m *HKY) Kappa() float64 { return m.kappa }

//SetKappa changes kappa and bumps the model version
func (m *HKY) SetKappa(k float64) {
	m.kappa = k
	m.version++
}

//Store will remember the current parameters for a later Restore
func (m *HKY) Store() {
	m.storedKappa = m.kappa
	m.storedVersion = m.version
}

//Restore will put back the parameters saved by Store
func (m *HKY) Restore() {
	m.kappa = m.storedKappa
	m.version = m.storedVersion
}

func (m *HKY) EigenDecomposition() (*EigenSystem, error) {
	exch := mat.NewSymDense(4, []float64{
		0, 1, m.kappa, 1,
		1, 0, 1, m.kappa,
		m.kappa, 1, 0, 1,
		1, m.kappa, 1, 0,
	})
	r := &Reversible{Freqs: m.freqs, Exch: exch}
	return r.EigenDecomposition()
}

//BinarySymmetric is the two-state model with equal rates and frequencies
type BinarySymmetric struct{}

func (BinarySymmetric) StateCount() int { return 2 }

func (BinarySymmetric) Frequencies() []float64 { return []float64{.5, .5} }

func (BinarySymmetric) Version() uint64 { return 0 }

func (BinarySymmetric) EigenDecomposition() (*EigenSystem, error) {
	r := &Reversible{Freqs: []float64{.5, .5}, Exch: mat.NewSymDense(2, []float64{0, 1, 1, 0})}
	return r.EigenDecomposition()
}
