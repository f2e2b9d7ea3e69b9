package cophylike

import (
	"fmt"

	"gonum.org/v1/gonum/mathext"
)

//SiteRateModel provides the among-site rate categories and their weights
type SiteRateModel interface {
	CategoryRates() []float64
	CategoryWeights() []float64
	Version() uint64
}

//GammaSiteRates is the discrete gamma model with equal-weight categories and mean rate 1
type GammaSiteRates struct {
	alpha   float64
	ncat    int
	rates   []float64
	version uint64

	storedAlpha   float64
	storedVersion uint64
}

//NewGammaSiteRates will discretise a gamma with shape alpha into ncat categories. One category is the trivial model.
func NewGammaSiteRates(alpha float64, ncat int) (*GammaSiteRates, error) {
	if ncat < 1 {
		return nil, fmt.Errorf("%w: need at least one rate category, got %d", ErrInvalidConfig, ncat)
	}
	if ncat > 1 && !(alpha > 0) {
		return nil, fmt.Errorf("%w: gamma shape must be positive, got %g", ErrInvalidConfig, alpha)
	}
	g := &GammaSiteRates{alpha: alpha, ncat: ncat}
	g.discretise()
	return g, nil
}

// discretise uses the quantile midpoints of Gamma(alpha, rate alpha),
// rescaled so the category mean is exactly one.
func (g *GammaSiteRates) discretise() {
	g.rates = make([]float64, g.ncat)
	if g.ncat == 1 {
		g.rates[0] = 1.
		return
	}
	sum := 0.
	for i := range g.rates {
		p := (2.*float64(i) + 1.) / (2. * float64(g.ncat))
		g.rates[i] = mathext.GammaIncRegInv(g.alpha, p) / g.alpha
		sum += g.rates[i]
	}
	mean := sum / float64(g.ncat)
	for i := range g.rates {
		g.rates[i] /= mean
	}
}

func (g *GammaSiteRates) CategoryRates() []float64 {
	return append([]float64(nil), g.rates...)
}

func (g *GammaSiteRates) CategoryWeights() []float64 {
	w := make([]float64, g.ncat)
	for i := range w {
		w[i] = 1. / float64(g.ncat)
	}
	return w
}

func (g *GammaSiteRates) Version() uint64 { return g.version }

//Alpha is the gamma shape parameter
func (g *GammaSiteRates) Alpha() float64 { return g.alpha }

//SetAlpha will change the shape parameter and recompute the categories
func (g *GammaSiteRates) SetAlpha(alpha float64) {
	g.alpha = alpha
	g.discretise()
	g.version++
}

func (g *GammaSiteRates) Store() {
	g.storedAlpha = g.alpha
	g.storedVersion = g.version
}

func (g *GammaSiteRates) Restore() {
	if g.alpha != g.storedAlpha {
		g.alpha = g.storedAlpha
		g.discretise()
	}
	g.version = g.storedVersion
}
