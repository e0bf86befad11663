package fit

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// GaussianMixture fits a full-covariance mixture with expectation
// maximization from a nearest-center initialization.
type GaussianMixture struct {
	cfg config

	fitted    *params.Mixture
	dists     []*distmv.Normal
	logW      []float64
	converged bool
	nIter     int
}

// NewGaussianMixture creates an unfitted EM mixture estimator.
func NewGaussianMixture(opts ...Option) (*GaussianMixture, error) {
	cfg := newConfig(config{components: 1, maxIter: 100, tol: 1e-3, regCovar: 1e-6}, opts)
	if err := checkMixtureConfig(cfg); err != nil {
		return nil, err
	}
	return &GaussianMixture{cfg: cfg}, nil
}

func checkMixtureConfig(cfg config) error {
	if cfg.components < 1 {
		return errors.Wrapf(densitybench.ErrPrecondition, "components must be positive, got %d", cfg.components)
	}
	if cfg.maxIter < 1 {
		return errors.Wrapf(densitybench.ErrPrecondition, "max iterations must be positive, got %d", cfg.maxIter)
	}
	if cfg.regCovar < 0 {
		return errors.Wrapf(densitybench.ErrPrecondition, "covariance regularization must be non-negative, got %g", cfg.regCovar)
	}
	return nil
}

func (g *GaussianMixture) Fit(X mat.Matrix) error {
	g.fitted, g.dists, g.logW = nil, nil, nil
	n, _, err := checkData(X, max(g.cfg.components, 2))
	if err != nil {
		return err
	}
	log := g.cfg.logger.WithFields(logrus.Fields{"action": "fit_model", "model": ModelMoG})

	rng := rand.New(rand.NewSource(g.cfg.seed))
	resp := initResponsibilities(X, g.cfg.components, rng)
	prev := math.Inf(-1)
	var weights []float64
	var means [][]float64
	var covs [][][]float64
	g.converged = false
	for g.nIter = 1; g.nIter <= g.cfg.maxIter; g.nIter++ {
		nk, xbar, scatter := suffStats(X, resp)
		weights = make([]float64, len(nk))
		for k, v := range nk {
			weights[k] = v / float64(n)
		}
		means = xbar
		covs = make([][][]float64, len(nk))
		for k := range scatter {
			covs[k] = params.Rows(addRidge(scatter[k], g.cfg.regCovar))
		}

		dists, err := normals(means, covs)
		if err != nil {
			return err
		}
		lower := eStep(X, weights, dists, resp)
		if math.Abs(lower-prev) < g.cfg.tol {
			g.converged = true
			break
		}
		prev = lower
	}
	if !g.converged {
		log.WithField("iterations", g.cfg.maxIter).Warn("EM did not converge")
	}

	p, err := params.NewMixture(weights, means, covs, params.CovarianceFull)
	if err != nil {
		return errors.Wrap(err, "fitted mixture")
	}
	dists, err := normals(p.Means, p.Covariances)
	if err != nil {
		return err
	}
	g.fitted, g.dists, g.logW = p, dists, logWeights(p.NormalizedWeights())
	log.WithField("iterations", g.nIter).Debug("mixture fit")
	return nil
}

// Converged reports whether the last Fit met the tolerance.
func (g *GaussianMixture) Converged() bool { return g.converged }

func (g *GaussianMixture) ScoreSamples(X mat.Matrix) ([]float64, error) {
	if g.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	if err := checkScoreDims(X, g.fitted.Dim()); err != nil {
		return nil, err
	}
	return scoreMixture(X, g.logW, g.dists), nil
}

func (g *GaussianMixture) Params() (params.ModelParams, error) {
	if g.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	return copyMixture(g.fitted)
}

func copyMixture(m *params.Mixture) (*params.Mixture, error) {
	return params.NewMixtureWithFactors(m.Weights, m.Means, m.Covariances, m.PrecisionsCholesky, m.CovarianceType)
}

// initResponsibilities assigns every row to the nearest of k distinct rows
// drawn at random.
func initResponsibilities(X mat.Matrix, k int, rng *rand.Rand) *mat.Dense {
	n, d := X.Dims()
	centers := rng.Perm(n)[:k]
	resp := mat.NewDense(n, k, nil)
	row := make([]float64, d)
	center := make([]float64, d)
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		best, bestDist := 0, math.Inf(1)
		for c, idx := range centers {
			mat.Row(center, idx, X)
			if dist := floats.Distance(row, center, 2); dist < bestDist {
				best, bestDist = c, dist
			}
		}
		resp.Set(i, best, 1)
	}
	return resp
}

// countEps keeps empty components from dividing by zero.
const countEps = 10 * 2.220446049250313e-16

// suffStats returns per-component soft counts, means and scatter matrices
// Σ r_nk (x-x̄_k)(x-x̄_k)ᵀ / N_k.
func suffStats(X mat.Matrix, resp *mat.Dense) (nk []float64, xbar [][]float64, scatter []*mat.SymDense) {
	n, d := X.Dims()
	_, k := resp.Dims()
	nk = make([]float64, k)
	xbar = make([][]float64, k)
	scatter = make([]*mat.SymDense, k)
	row := make([]float64, d)
	for c := 0; c < k; c++ {
		xbar[c] = make([]float64, d)
		for i := 0; i < n; i++ {
			r := resp.At(i, c)
			nk[c] += r
			mat.Row(row, i, X)
			floats.AddScaled(xbar[c], r, row)
		}
		nk[c] += countEps
		floats.Scale(1/nk[c], xbar[c])

		s := mat.NewSymDense(d, nil)
		dev := mat.NewVecDense(d, nil)
		for i := 0; i < n; i++ {
			r := resp.At(i, c)
			if r == 0 {
				continue
			}
			mat.Row(row, i, X)
			for j := 0; j < d; j++ {
				dev.SetVec(j, row[j]-xbar[c][j])
			}
			s.SymRankOne(s, r/nk[c], dev)
		}
		scatter[c] = s
	}
	return nk, xbar, scatter
}

func addRidge(s *mat.SymDense, reg float64) *mat.SymDense {
	d := s.SymmetricDim()
	out := mat.NewSymDense(d, nil)
	out.CopySym(s)
	for i := 0; i < d; i++ {
		out.SetSym(i, i, out.At(i, i)+reg)
	}
	return out
}

func normals(means [][]float64, covs [][][]float64) ([]*distmv.Normal, error) {
	dists := make([]*distmv.Normal, len(means))
	for k := range means {
		dist, ok := distmv.NewNormal(means[k], numeric.SymFromDense(params.Dense(covs[k])), nil)
		if !ok {
			return nil, errors.Wrapf(densitybench.ErrNumerical, "component %d covariance is not positive definite", k)
		}
		dists[k] = dist
	}
	return dists, nil
}

// eStep overwrites resp with the posterior responsibilities and returns the
// mean log-likelihood.
func eStep(X mat.Matrix, weights []float64, dists []*distmv.Normal, resp *mat.Dense) float64 {
	n, d := X.Dims()
	logW := logWeights(weights)
	row := make([]float64, d)
	joint := mat.NewDense(n, len(dists), nil)
	for i := 0; i < n; i++ {
		mat.Row(row, i, X)
		for k, dist := range dists {
			joint.Set(i, k, logW[k]+dist.LogProb(row))
		}
	}
	resp.Copy(numeric.SoftmaxRows(joint))
	lse, _ := numeric.LogSumExpAxis(joint, 1)
	return floats.Sum(lse) / float64(n)
}

func scoreMixture(X mat.Matrix, logW []float64, dists []*distmv.Normal) []float64 {
	lp := make([]float64, len(dists))
	return scoreRows(X, func(row []float64) float64 {
		for k, dist := range dists {
			lp[k] = logW[k] + dist.LogProb(row)
		}
		return numeric.LogSumExp(lp)
	})
}

func logWeights(w []float64) []float64 {
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = math.Log(v)
	}
	return out
}
