package loglik

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// Mixture evaluates a full-covariance Gaussian mixture:
//
//	log p(x) = logsumexp_k( log w_k + log N(x; m_k, Σ_k) )
//
// with the weights renormalized and every component scored through its
// stored inverse-Cholesky factor. Covariance types other than "full" are a
// precondition violation.
func Mixture(X mat.Matrix, p *params.Mixture, opts ...Option) ([]float64, error) {
	if p.CovarianceType != params.CovarianceFull {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "covariance type %q is not supported", p.CovarianceType)
	}
	if err := checkDims(X, p.Dim()); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	n, _ := X.Dims()
	if n == 0 {
		return []float64{}, nil
	}
	k := p.Components()
	weights := p.NormalizedWeights()

	comp := mat.NewDense(n, k, nil)
	for c := 0; c < k; c++ {
		lp, err := numeric.MVNLogDensity(X, p.Means[c], p.Factor(c))
		if err != nil {
			return nil, errors.Wrapf(err, "component %d", c)
		}
		if o.covCheck {
			covarianceCheck(o.logger, X, p, c, lp)
		}
		logW := math.Log(weights[c])
		for i, v := range lp {
			comp.Set(i, c, v+logW)
		}
	}
	return numeric.LogSumExpAxis(comp, 1)
}

// covarianceCheck scores component c from its raw covariance with distmv and
// logs the worst disagreement with the factor path. Factorization failures
// are logged too; neither affects the caller.
func covarianceCheck(logger logrus.FieldLogger, X mat.Matrix, p *params.Mixture, c int, got []float64) {
	log := logger.WithFields(logrus.Fields{"action": "covariance_check", "component": c})
	cov := numeric.SymFromDense(params.Dense(p.Covariances[c]))
	ref, ok := distmv.NewNormal(p.Means[c], cov, nil)
	if !ok {
		log.Warn("covariance is not positive definite, skipping side check")
		return
	}
	n, d := X.Dims()
	row := make([]float64, d)
	worst := 0.0
	mismatch := false
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		want := ref.LogProb(row)
		worst = math.Max(worst, math.Abs(got[i]-want))
		if !numeric.Close(got[i], want) {
			mismatch = true
		}
	}
	if mismatch {
		log.WithField("log10_err", math.Log10(worst)).Warn("factor and covariance densities disagree")
		return
	}
	log.WithField("log10_err", math.Log10(worst)).Debug("factor and covariance densities agree")
}
