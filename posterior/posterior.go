// Package posterior draws MCMC samples from the posteriors of the Bayesian
// regression models whose chains the density estimators are later trained
// on.
package posterior

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/store"
)

// Regression model names.
const (
	LSLinear              = "ls_linear"
	LSPairwiseLinear      = "ls_pairwise_linear"
	LSQuadraticLinear     = "ls_quadratic_linear"
	RobustLinear          = "robust_linear"
	RobustPairwiseLinear  = "robust_pairwise_linear"
	RobustQuadraticLinear = "robust_quadratic_linear"
	ShallowNN             = "shallow_nn"
	GP                    = "gp"
)

// Options controls one posterior run.
type Options struct {
	NumSamples int   // kept draws
	Tune       int   // discarded warm-up iterations
	Seed       int64 // RNG seed

	// NumNonCategorical is the number of leading non-categorical columns of
	// X. Negative means every column.
	NumNonCategorical int
	// MaxInteractionDims caps the non-categorical columns entering the
	// interaction designs. Wider inputs are projected onto their leading
	// principal components first.
	MaxInteractionDims int

	Kernel    string // GP covariance, default ExpQuad
	MaxGPRows int    // GP rows kept, chosen at random

	Logger logrus.FieldLogger
}

// DefaultOptions returns the settings of the benchmark runs.
func DefaultOptions() Options {
	return Options{
		NumSamples:         5000,
		Tune:               500,
		Seed:               12,
		NumNonCategorical:  -1,
		MaxInteractionDims: 10,
		Kernel:             KernelExpQuad,
		MaxGPRows:          500,
	}
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// Samples are posterior draws, one column of NumSamples draws per name.
type Samples = store.Samples

// Sampler draws posterior samples for a regression of y on X.
type Sampler func(ctx context.Context, X *mat.Dense, y []float64, opts Options) (*Samples, error)

// RegressionModels is the registry of regression posterior samplers.
var RegressionModels = map[string]Sampler{
	LSLinear:              linearSampler(designLinear, false),
	LSPairwiseLinear:      linearSampler(designPairwise, false),
	LSQuadraticLinear:     linearSampler(designQuadratic, false),
	RobustLinear:          linearSampler(designLinear, true),
	RobustPairwiseLinear:  linearSampler(designPairwise, true),
	RobustQuadraticLinear: linearSampler(designQuadratic, true),
	ShallowNN:             SampleShallowNN,
	GP:                    SampleGP,
}

// ModelNames returns the registered regression models in sorted order.
func ModelNames() []string {
	names := make([]string, 0, len(RegressionModels))
	for name := range RegressionModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sample runs the sampler registered under model.
func Sample(ctx context.Context, model string, X *mat.Dense, y []float64, opts Options) (*Samples, error) {
	sampler, ok := RegressionModels[model]
	if !ok {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unsupported regression model %q, supported: %v", model, ModelNames())
	}
	if err := CheckInputs(X, y, opts); err != nil {
		return nil, err
	}
	return sampler(ctx, X, y, opts)
}

// CheckInputs validates a regression problem before any sampler runs on it.
// Callers invoking a Sampler directly must call it first.
func CheckInputs(X *mat.Dense, y []float64, opts Options) error {
	if X == nil {
		return errors.Wrap(densitybench.ErrPrecondition, "no design matrix")
	}
	n, d := X.Dims()
	if n != len(y) {
		return errors.Wrapf(densitybench.ErrPrecondition, "%d rows and %d targets", n, len(y))
	}
	if n < 2 || d == 0 {
		return errors.Wrapf(densitybench.ErrPrecondition, "design is %dx%d", n, d)
	}
	if opts.NumSamples < 1 || opts.Tune < 0 {
		return errors.Wrapf(densitybench.ErrPrecondition, "%d samples, %d tuning iterations", opts.NumSamples, opts.Tune)
	}
	if opts.NumNonCategorical > d {
		return errors.Wrapf(densitybench.ErrPrecondition, "%d non-categorical columns of %d", opts.NumNonCategorical, d)
	}
	return nil
}

// trace collects the kept draws of a chain column by column.
type trace struct {
	names  []string
	values [][]float64
}

func newTrace(names []string, n int) *trace {
	t := &trace{names: names, values: make([][]float64, len(names))}
	for i := range t.values {
		t.values[i] = make([]float64, 0, n)
	}
	return t
}

func (t *trace) add(draw []float64) {
	for i, v := range draw {
		t.values[i] = append(t.values[i], v)
	}
}

func (t *trace) samples() *Samples {
	return &Samples{Names: t.names, Values: t.values}
}

// checkEvery is how many iterations pass between context checks.
const checkEvery = 100

func canceled(ctx context.Context, iter int) error {
	if iter%checkEvery != 0 {
		return nil
	}
	return errors.Wrap(ctx.Err(), "sampling canceled")
}
