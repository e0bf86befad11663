// Package loglik recomputes the log-density of every model family from its
// persisted parameters alone. The evaluators are written from the closed-form
// densities and never call back into the fitting code, so they can be used
// to check it.
//
// Every evaluator returns one log-density per row of X.
package loglik

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// Option configures an evaluator call.
type Option func(*options)

type options struct {
	logger   logrus.FieldLogger
	covCheck bool
}

func newOptions(opts []Option) *options {
	o := &options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger used by diagnostic checks.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithCovarianceCheck makes Mixture recompute every component from its raw
// covariance and log a warning when it disagrees with the factor path. The
// check never changes the result or returns an error.
func WithCovarianceCheck() Option {
	return func(o *options) { o.covCheck = true }
}

// Evaluate dispatches on the parameter family.
func Evaluate(X mat.Matrix, p params.ModelParams, opts ...Option) ([]float64, error) {
	switch p := p.(type) {
	case *params.Gaussian:
		return Gaussian(X, p, opts...)
	case *params.Mixture:
		return Mixture(X, p, opts...)
	case *params.InvertibleNetwork:
		return InvertibleNetwork(X, p, opts...)
	case *params.AutoregressiveMixture:
		return AutoregressiveMixture(X, p, opts...)
	case nil:
		return nil, errors.Wrap(densitybench.ErrPrecondition, "nil params")
	default:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unsupported params type %T", p)
	}
}

// Gaussian evaluates a single multivariate normal. The covariance is
// factorized once and scored through the inverse-Cholesky path.
func Gaussian(X mat.Matrix, p *params.Gaussian, _ ...Option) ([]float64, error) {
	if err := checkDims(X, p.Dim()); err != nil {
		return nil, err
	}
	U, err := numeric.InverseCholeskyUpper(p.CovarianceSym())
	if err != nil {
		return nil, errors.Wrap(err, "gaussian covariance")
	}
	return numeric.MVNLogDensity(X, p.Mean, U)
}

func checkDims(X mat.Matrix, d int) error {
	if _, c := X.Dims(); c != d {
		return errors.Wrapf(densitybench.ErrPrecondition, "data has %d columns, params have D=%d", c, d)
	}
	return nil
}
