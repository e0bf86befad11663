package fit

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/params"
)

// Gaussian fits a single multivariate normal with the maximum-likelihood
// (biased) covariance.
type Gaussian struct {
	cfg    config
	fitted *params.Gaussian
	dist   *distmv.Normal
}

// NewGaussian creates an unfitted single-Gaussian estimator.
func NewGaussian(opts ...Option) *Gaussian {
	return &Gaussian{cfg: newConfig(config{}, opts)}
}

func (g *Gaussian) Fit(X mat.Matrix) error {
	g.fitted, g.dist = nil, nil
	n, d, err := checkData(X, 2)
	if err != nil {
		return err
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, X, nil)
	cov.ScaleSym(float64(n-1)/float64(n), &cov)
	mean := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, X)
		mean[j] = stat.Mean(col, nil)
	}

	rows := make([][]float64, d)
	for i := range rows {
		rows[i] = make([]float64, d)
		for j := range rows[i] {
			if g.cfg.diagonal && i != j {
				continue
			}
			rows[i][j] = cov.At(i, j)
		}
	}
	p, err := params.NewGaussian(mean, rows)
	if err != nil {
		return errors.Wrap(err, "fitted gaussian")
	}
	dist, ok := distmv.NewNormal(p.Mean, p.CovarianceSym(), nil)
	if !ok {
		return errors.Wrap(densitybench.ErrNumerical, "fitted covariance is not positive definite")
	}
	g.fitted, g.dist = p, dist
	return nil
}

func (g *Gaussian) ScoreSamples(X mat.Matrix) ([]float64, error) {
	if g.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	if err := checkScoreDims(X, g.fitted.Dim()); err != nil {
		return nil, err
	}
	return scoreRows(X, g.dist.LogProb), nil
}

func (g *Gaussian) Params() (params.ModelParams, error) {
	if g.fitted == nil {
		return nil, densitybench.ErrNotFitted
	}
	return params.NewGaussian(g.fitted.Mean, g.fitted.Covariance)
}

func scoreRows(X mat.Matrix, logProb func([]float64) float64) []float64 {
	n, d := X.Dims()
	out := make([]float64, n)
	row := make([]float64, d)
	for i := range out {
		mat.Row(row, i, X)
		out[i] = logProb(row)
	}
	return out
}
