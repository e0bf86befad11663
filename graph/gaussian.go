package graph

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// gaussianTerm builds log N(x; mean, cov) from the precision matrix:
//
//	-0.5 * (D*log(2π) + log|Σ| + (x-μ)ᵀ Σ⁻¹ (x-μ))
func gaussianTerm(x *G.Node, mean []float64, cov [][]float64) (*G.Node, error) {
	g := x.Graph()
	sigma := params.Dense(cov)
	logDet, sign := mat.LogDet(sigma)
	if sign <= 0 || math.IsInf(logDet, 0) || math.IsNaN(logDet) {
		return nil, errors.Wrap(densitybench.ErrNumerical, "covariance is not positive definite")
	}
	var precision mat.Dense
	if err := precision.Inverse(sigma); err != nil {
		return nil, errors.Wrap(densitybench.ErrNumerical, err.Error())
	}

	diff := G.Must(G.Sub(x, vector(g, mean)))
	quad := G.Must(G.Mul(diff, G.Must(G.Mul(matrix(g, params.Rows(&precision), false), diff))))
	c := scalar(g, -0.5*(float64(len(mean))*numeric.Log2Pi+logDet))
	return G.Must(G.Add(c, G.Must(G.HadamardProd(scalar(g, -0.5), quad)))), nil
}

func gaussian(x *G.Node, p *params.Gaussian) (*G.Node, error) {
	return gaussianTerm(x, p.Mean, p.Covariance)
}

// mixture scores each component from its raw covariance and combines the
// weighted terms with a log-sum-exp.
func mixture(x *G.Node, p *params.Mixture) (*G.Node, error) {
	if p.CovarianceType != params.CovarianceFull {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "covariance type %q is not supported", p.CovarianceType)
	}
	g := x.Graph()
	weights := p.NormalizedWeights()
	terms := make([]*G.Node, len(weights))
	for k := range weights {
		t, err := gaussianTerm(x, p.Means[k], p.Covariances[k])
		if err != nil {
			return nil, errors.Wrapf(err, "component %d", k)
		}
		terms[k] = G.Must(G.Add(t, scalar(g, math.Log(weights[k]))))
	}
	return logSumExp(stack(terms)), nil
}
