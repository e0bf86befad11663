// Package fit wraps the density estimators whose parameters the benchmark
// persists. Every estimator fits to a sample matrix, scores rows with its own
// implementation and exports a params record that package loglik can
// evaluate independently.
package fit

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/params"
)

// Estimator is the uniform fit/score/export capability. Fit overwrites any
// previous state. An Estimator is not safe for concurrent use.
type Estimator interface {
	Fit(X mat.Matrix) error
	ScoreSamples(X mat.Matrix) ([]float64, error)
	Params() (params.ModelParams, error)
}

// Model names of the benchmark estimators.
const (
	ModelGaussian = "Gaussian"
	ModelMoG      = "MoG"
	ModelVBMoG    = "VBMoG"
	ModelIGN      = "IGN"
	ModelRNADE    = "RNADE"
)

// config holds every construction hyperparameter. Each estimator reads only
// the fields it needs and installs its own defaults before the options run.
type config struct {
	logger logrus.FieldLogger
	seed   int64

	diagonal bool

	components int
	maxIter    int
	tol        float64
	regCovar   float64

	layers    int
	wlInit    float64
	slope     float64
	gaussBase bool
	dof       float64

	validFrac    float64
	epochs       int
	batchSize    int
	learningRate float64

	hidden            int
	hiddenLayers      int
	pretrainingEpochs int
	epochSize         int
	momentum          float64
	numOrderings      int
}

// Option defines a functional option for configuring an estimator
type Option func(*config)

// WithLogger sets the logger used for training progress and failures
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithSeed sets the seed for initialization and minibatch sampling
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = seed }
}

// WithDiagonal restricts the single Gaussian to a diagonal covariance
func WithDiagonal(diagonal bool) Option {
	return func(c *config) { c.diagonal = diagonal }
}

// WithComponents sets the number of mixture components
func WithComponents(k int) Option {
	return func(c *config) { c.components = k }
}

// WithMaxIter sets the EM / variational iteration limit
func WithMaxIter(n int) Option {
	return func(c *config) { c.maxIter = n }
}

// WithTol sets the convergence threshold on the mean log-likelihood change
func WithTol(tol float64) Option {
	return func(c *config) { c.tol = tol }
}

// WithRegCovar sets the ridge added to every component covariance
func WithRegCovar(reg float64) Option {
	return func(c *config) { c.regCovar = reg }
}

// WithLayers sets the number of trained leaky layers of the IGN
func WithLayers(n int) Option {
	return func(c *config) { c.layers = n }
}

// WithWLInit sets the scale of the random off-diagonal IGN weights
func WithWLInit(scale float64) Option {
	return func(c *config) { c.wlInit = scale }
}

// WithSlope sets the negative-side slope of the IGN leaky layers
func WithSlope(slope float64) Option {
	return func(c *config) { c.slope = slope }
}

// WithGaussBase selects a Gaussian (true) or Student-t (false) IGN base
func WithGaussBase(gauss bool) Option {
	return func(c *config) { c.gaussBase = gauss }
}

// WithDoF sets the degrees of freedom of the Student-t IGN base
func WithDoF(dof float64) Option {
	return func(c *config) { c.dof = dof }
}

// WithValidFrac sets the fraction of rows held out for validation
func WithValidFrac(frac float64) Option {
	return func(c *config) { c.validFrac = frac }
}

// WithEpochs sets the number of training epochs
func WithEpochs(n int) Option {
	return func(c *config) { c.epochs = n }
}

// WithBatchSize sets the minibatch size
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithLearningRate sets the optimizer step size
func WithLearningRate(lr float64) Option {
	return func(c *config) { c.learningRate = lr }
}

// WithHidden sets the RNADE hidden width
func WithHidden(n int) Option {
	return func(c *config) { c.hidden = n }
}

// WithHiddenLayers sets the RNADE depth
func WithHiddenLayers(n int) Option {
	return func(c *config) { c.hiddenLayers = n }
}

// WithPretrainingEpochs sets the epochs of each layerwise pretraining stage
func WithPretrainingEpochs(n int) Option {
	return func(c *config) { c.pretrainingEpochs = n }
}

// WithEpochSize sets the number of minibatch updates per RNADE epoch
func WithEpochSize(n int) Option {
	return func(c *config) { c.epochSize = n }
}

// WithMomentum sets the RNADE momentum, applied from the third epoch on
func WithMomentum(m float64) Option {
	return func(c *config) { c.momentum = m }
}

// WithNumOrderings sets the size of the RNADE ordering ensemble
func WithNumOrderings(n int) Option {
	return func(c *config) { c.numOrderings = n }
}

func newConfig(defaults config, opts []Option) config {
	c := defaults
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// New constructs the estimator registered under name.
func New(name string, opts ...Option) (Estimator, error) {
	switch name {
	case ModelGaussian:
		return NewGaussian(opts...), nil
	case ModelMoG:
		return NewGaussianMixture(opts...)
	case ModelVBMoG:
		return NewBayesianGaussianMixture(opts...)
	case ModelIGN:
		return NewIGN(opts...)
	case ModelRNADE:
		return NewRNADE(opts...)
	default:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unknown model %q", name)
	}
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := []string{ModelGaussian, ModelMoG, ModelVBMoG, ModelIGN, ModelRNADE}
	sort.Strings(names)
	return names
}

func checkData(X mat.Matrix, minRows int) (int, int, error) {
	n, d := X.Dims()
	if n < minRows {
		return 0, 0, errors.Wrapf(densitybench.ErrPrecondition, "need at least %d rows, got %d", minRows, n)
	}
	if d == 0 {
		return 0, 0, errors.Wrap(densitybench.ErrPrecondition, "data has no columns")
	}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			if v := X.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, errors.Wrapf(densitybench.ErrPrecondition, "non-finite value at (%d,%d)", i, j)
			}
		}
	}
	return n, d, nil
}

func checkScoreDims(X mat.Matrix, d int) error {
	if _, c := X.Dims(); c != d {
		return errors.Wrapf(densitybench.ErrPrecondition, "data has %d columns, model was fit on %d", c, d)
	}
	return nil
}

// splitRows returns the first ceil((1-validFrac)·n) rows for training and
// the rest for validation.
func splitRows(X mat.Matrix, validFrac float64) (train, valid *mat.Dense) {
	n, d := X.Dims()
	nTrain := int(math.Ceil((1 - validFrac) * float64(n)))
	if nTrain > n {
		nTrain = n
	}
	train = mat.DenseCopyOf(X).Slice(0, nTrain, 0, d).(*mat.Dense)
	if nTrain < n {
		valid = mat.DenseCopyOf(X).Slice(nTrain, n, 0, d).(*mat.Dense)
	}
	return train, valid
}
