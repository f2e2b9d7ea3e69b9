package cophylike

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

//ParameterPrior is the prior density of one positive chain parameter
type ParameterPrior struct {
	NAME    string
	Density interface{ LogProb(float64) float64 }
}

//InitExpPrior will initialize an exponential prior with the given mean
func InitExpPrior(name string, mean float64) (*ParameterPrior, error) {
	if !(mean > 0) {
		return nil, fmt.Errorf("%w: prior mean for %s must be positive, got %g", ErrInvalidConfig, name, mean)
	}
	p := new(ParameterPrior)
	p.NAME = name
	p.Density = distuv.Exponential{Rate: 1. / mean}
	return p, nil
}

//Calc will return the log prior density of x
func (p *ParameterPrior) Calc(x float64) float64 {
	return p.Density.LogProb(x)
}
