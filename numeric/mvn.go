package numeric

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// Log2Pi is log(2π).
var Log2Pi = math.Log(2 * math.Pi)

// MVNLogDensity evaluates log N(x; mean, Σ) for every row of X, where U is
// the upper-triangular inverse-Cholesky factor U = chol(Σ)^-T. The
// covariance is never formed or inverted:
//
//	log N = -0.5 * (D*log(2π) + logdet(Σ) + ||(x-mean)·U||²)
//	logdet(Σ) = -2 * Σ log(U_ii)
//
// A U that is not upper triangular is a precondition violation.
func MVNLogDensity(X mat.Matrix, mean []float64, U mat.Matrix) ([]float64, error) {
	n, d := X.Dims()
	if len(mean) != d {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "mean has length %d, data has %d columns", len(mean), d)
	}
	if r, c := U.Dims(); r != d || c != d {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "factor is %dx%d, want %dx%d", r, c, d, d)
	}
	if !IsUpperTriangular(U) {
		return nil, errors.Wrap(densitybench.ErrPrecondition, "inverse-Cholesky factor is not upper triangular")
	}

	logDet := 0.0
	for i := 0; i < d; i++ {
		u := U.At(i, i)
		if !(u > 0) {
			return nil, errors.Wrapf(densitybench.ErrPrecondition, "inverse-Cholesky factor has non-positive diagonal %g at %d", u, i)
		}
		logDet -= 2 * math.Log(u)
	}

	out := make([]float64, n)
	if n == 0 {
		return out, nil
	}
	dev := mat.NewDense(n, d, nil)
	dev.Apply(func(i, j int, v float64) float64 { return v - mean[j] }, X)
	var z mat.Dense
	z.Mul(dev, U)

	row := make([]float64, d)
	for i := 0; i < n; i++ {
		mat.Row(row, i, &z)
		maha := 0.0
		for _, v := range row {
			maha += v * v
		}
		out[i] = -0.5 * (float64(d)*Log2Pi + logDet + maha)
	}
	return out, nil
}
