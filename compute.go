package cophylike

import "gonum.org/v1/gonum/mat"

//EigenSystem is the spectral decomposition Q = V diag(Values) VInv of a substitution rate matrix
type EigenSystem struct {
	Values []float64
	V      *mat.Dense
	VInv   *mat.Dense
}

//RootRequest describes the final root integration of one evaluation pass
type RootRequest struct {
	Root             BufferID
	ScaleBuffers     []BufferID // scale buffers of every internal node; empty when rescaling is off
	CategoryWeights  []float64
	StateFrequencies []float64
}

//EngineConfig sizes a compute engine for one tree likelihood
type EngineConfig struct {
	TipCount       int
	StateCount     int
	PatternCount   int
	CategoryCount  int
	PartialBuffers int
	MatrixBuffers  int
	ScaleBuffers   int
	EigenBuffers   int
	Workers        int
}

// ComputeEngine executes the work emitted by the scheduler.
//
// Calls within one pass arrive in this order: SetEigenDecomposition and
// SetCategoryRates when the model changed, ApplyMatrixUpdates,
// ApplyPartialOperations, then EvaluateRoot. Operations must be applied
// in slice order. Each call is treated as atomic and blocking; an error is
// fatal for the evaluation.
type ComputeEngine interface {
	SetTipStates(tip int, states []int) error
	SetTipPartials(tip int, partials []float64) error
	SetEigenDecomposition(eigen BufferID, es *EigenSystem) error
	SetCategoryRates(rates []float64) error
	ApplyMatrixUpdates(eigen BufferID, updates []MatrixUpdate) error
	ApplyPartialOperations(ops []PartialOperation) error
	EvaluateRoot(req RootRequest) ([]float64, error)
}
