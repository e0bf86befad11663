// Package densitybench benchmarks approximate-inference samplers against
// density models whose log-density can be recomputed in closed form.
//
// The subpackages fit density models to chains (fit), persist their
// parameters (store), recompute the log-density independently (loglik, graph)
// and cross-check the implementations against each other (crosscheck).
package densitybench

import "errors"

// Error taxonomy shared by every subpackage. Callers match with errors.Is;
// the subpackages wrap these with context using github.com/pkg/errors.
var (
	// ErrPrecondition marks a caller or configuration bug: unsupported
	// covariance type, a factor that is not upper triangular, malformed
	// parameters, an unknown model name. Never retried.
	ErrPrecondition = errors.New("precondition violation")

	// ErrUnimplemented marks a parameter tag that is valid in principle but
	// has no evaluator, e.g. a nonlinearity other than rectified-linear.
	ErrUnimplemented = errors.New("not implemented")

	// ErrNotFitted is returned by estimators queried before a successful Fit.
	ErrNotFitted = errors.New("estimator must be fit first")

	// ErrTrainingFailed is returned when an optimizer diverges or produces
	// NaN. The estimator is left unfitted.
	ErrTrainingFailed = errors.New("training failed")

	// ErrNumerical marks a factorization failure on a near-singular matrix.
	ErrNumerical = errors.New("numerical failure")
)
