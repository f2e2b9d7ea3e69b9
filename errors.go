package cophylike

import "errors"

// Setup errors. These abort initialization and are never retried.
var (
	//ErrMalformedTree is returned when the tree is not a rooted binary tree numbered tips-first with the root last
	ErrMalformedTree = errors.New("malformed tree")

	//ErrTaxonMismatch is returned when tree tips and alignment taxa do not line up
	ErrTaxonMismatch = errors.New("taxon mismatch between tree and alignment")

	//ErrInvalidConfig is returned for unusable engine or run configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	//ErrInvalidNode is returned for a change event naming a node outside the tree
	ErrInvalidNode = errors.New("invalid node")
)

// Numerical errors. These are fatal for the evaluation and poison the engine.
var (
	//ErrNegativeBranchLength means the clock and the node heights disagree
	ErrNegativeBranchLength = errors.New("negative branch length")

	//ErrNaNLikelihood means the backend produced NaN
	ErrNaNLikelihood = errors.New("log-likelihood is NaN")

	//ErrNonFiniteLikelihood means the likelihood stayed infinite after rescaling
	ErrNonFiniteLikelihood = errors.New("log-likelihood is not finite")
)

// Protocol errors.
var (
	//ErrNoCheckpoint is returned by a restore with no pending checkpoint
	ErrNoCheckpoint = errors.New("no pending checkpoint to restore")

	//ErrEngineFailed wraps the fatal error that poisoned an engine
	ErrEngineFailed = errors.New("likelihood engine failed")
)
