package fit

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// BayesianGaussianMixture fits a variational Bayes mixture with a
// Dirichlet(1/K) weight prior and Normal-Wishart component priors centred on
// the data mean, with ν0 = D, β0 = 1 and W0⁻¹ the sample covariance.
//
// The exported point estimates are E[π_k], m_k and W_k⁻¹/ν_k.
type BayesianGaussianMixture struct {
	cfg config

	fitted    *params.Mixture
	dists     []*distmv.Normal
	logW      []float64
	converged bool
}

// NewBayesianGaussianMixture creates an unfitted variational mixture estimator.
func NewBayesianGaussianMixture(opts ...Option) (*BayesianGaussianMixture, error) {
	cfg := newConfig(config{components: 1, maxIter: 100, tol: 1e-3, regCovar: 1e-6}, opts)
	if err := checkMixtureConfig(cfg); err != nil {
		return nil, err
	}
	return &BayesianGaussianMixture{cfg: cfg}, nil
}

type vbPosterior struct {
	alpha, beta, nu []float64
	means           [][]float64
	scaleInv        []*mat.SymDense // W_k⁻¹
}

func (b *BayesianGaussianMixture) Fit(X mat.Matrix) error {
	b.fitted, b.dists, b.logW = nil, nil, nil
	n, d, err := checkData(X, max(b.cfg.components, 2))
	if err != nil {
		return err
	}
	log := b.cfg.logger.WithFields(logrus.Fields{"action": "fit_model", "model": ModelVBMoG})
	k := b.cfg.components

	alpha0 := 1 / float64(k)
	beta0 := 1.0
	nu0 := float64(d)
	m0 := make([]float64, d)
	col := make([]float64, n)
	for j := range m0 {
		mat.Col(col, j, X)
		m0[j] = stat.Mean(col, nil)
	}
	var w0Inv mat.SymDense
	stat.CovarianceMatrix(&w0Inv, X, nil)

	rng := rand.New(rand.NewSource(b.cfg.seed))
	resp := initResponsibilities(X, k, rng)
	prev := math.Inf(-1)
	var post vbPosterior
	b.converged = false
	for iter := 0; iter < b.cfg.maxIter; iter++ {
		nk, xbar, scatter := suffStats(X, resp)
		post = vbPosterior{
			alpha:    make([]float64, k),
			beta:     make([]float64, k),
			nu:       make([]float64, k),
			means:    make([][]float64, k),
			scaleInv: make([]*mat.SymDense, k),
		}
		for c := 0; c < k; c++ {
			post.alpha[c] = alpha0 + nk[c]
			post.beta[c] = beta0 + nk[c]
			post.nu[c] = nu0 + nk[c]

			post.means[c] = make([]float64, d)
			floats.AddScaled(post.means[c], beta0, m0)
			floats.AddScaled(post.means[c], nk[c], xbar[c])
			floats.Scale(1/post.beta[c], post.means[c])

			winv := mat.NewSymDense(d, nil)
			winv.CopySym(&w0Inv)
			winv.AddSym(winv, scaledSym(addRidge(scatter[c], b.cfg.regCovar), nk[c]))
			diff := mat.NewVecDense(d, nil)
			for j := 0; j < d; j++ {
				diff.SetVec(j, xbar[c][j]-m0[j])
			}
			winv.SymRankOne(winv, beta0*nk[c]/post.beta[c], diff)
			post.scaleInv[c] = winv
		}

		lower, err := vbEStep(X, &post, resp)
		if err != nil {
			return err
		}
		if math.Abs(lower-prev) < b.cfg.tol {
			b.converged = true
			break
		}
		prev = lower
	}
	if !b.converged {
		log.WithField("iterations", b.cfg.maxIter).Warn("variational inference did not converge")
	}

	alphaSum := floats.Sum(post.alpha)
	weights := make([]float64, k)
	covs := make([][][]float64, k)
	for c := 0; c < k; c++ {
		weights[c] = post.alpha[c] / alphaSum
		cov := mat.NewSymDense(d, nil)
		cov.ScaleSym(1/post.nu[c], post.scaleInv[c])
		covs[c] = params.Rows(cov)
	}
	p, err := params.NewMixture(weights, post.means, covs, params.CovarianceFull)
	if err != nil {
		return errors.Wrap(err, "fitted variational mixture")
	}
	dists, err := normals(p.Means, p.Covariances)
	if err != nil {
		return err
	}
	b.fitted, b.dists, b.logW = p, dists, logWeights(p.NormalizedWeights())
	return nil
}

// vbEStep computes the responsibilities
//
//	ln ρ_nk = E[ln π_k] + ½E[ln|Λ_k|] - D/(2β_k) - ½ν_k (x-m_k)ᵀW_k(x-m_k) - ½D ln 2π
//
// and returns the mean log normalizer, used as the convergence measure.
func vbEStep(X mat.Matrix, post *vbPosterior, resp *mat.Dense) (float64, error) {
	n, d := X.Dims()
	k := len(post.alpha)
	digammaSum := mathext.Digamma(floats.Sum(post.alpha))

	factors := make([]*mat.Dense, k)
	constant := make([]float64, k)
	for c := 0; c < k; c++ {
		u, err := numeric.InverseCholeskyUpper(post.scaleInv[c])
		if err != nil {
			return 0, errors.Wrapf(err, "component %d scale matrix", c)
		}
		factors[c] = u
		// log|W_k| = -log|W_k⁻¹| = 2 Σ log U_ii
		logDetW := 0.0
		for i := 0; i < d; i++ {
			logDetW += 2 * math.Log(u.At(i, i))
		}
		eLogLambda := float64(d)*math.Ln2 + logDetW
		for i := 1; i <= d; i++ {
			eLogLambda += mathext.Digamma((post.nu[c] + 1 - float64(i)) / 2)
		}
		eLogPi := mathext.Digamma(post.alpha[c]) - digammaSum
		constant[c] = eLogPi + 0.5*eLogLambda - float64(d)/(2*post.beta[c]) - 0.5*float64(d)*numeric.Log2Pi
	}

	lp := make([]float64, k)
	dev := mat.NewDense(1, d, nil)
	var z mat.Dense
	total := 0.0
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			for j := 0; j < d; j++ {
				dev.Set(0, j, X.At(i, j)-post.means[c][j])
			}
			z.Mul(dev, factors[c])
			maha := mat.Norm(&z, 2)
			lp[c] = constant[c] - 0.5*post.nu[c]*maha*maha
		}
		lse := numeric.LogSumExp(lp)
		total += lse
		for c := range lp {
			resp.Set(i, c, math.Exp(lp[c]-lse))
		}
	}
	return total / float64(n), nil
}

func scaledSym(s *mat.SymDense, f float64) *mat.SymDense {
	out := mat.NewSymDense(s.SymmetricDim(), nil)
	out.ScaleSym(f, s)
	return out
}

// Converged reports whether the last Fit met the tolerance.
func (b *BayesianGaussianMixture) Converged() bool { return b.converged }

func (b *BayesianGaussianMixture) ScoreSamples(X mat.Matrix) ([]float64, error) {
	if b.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	if err := checkScoreDims(X, b.fitted.Dim()); err != nil {
		return nil, err
	}
	return scoreMixture(X, b.logW, b.dists), nil
}

func (b *BayesianGaussianMixture) Params() (params.ModelParams, error) {
	if b.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	return copyMixture(b.fitted)
}
