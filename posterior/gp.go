package posterior

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
)

// GP covariance functions
const (
	KernelExpQuad     = "ExpQuad"
	KernelExponential = "Exponential"
	KernelMatern32    = "Matern32"
	KernelMatern52    = "Matern52"
	KernelRatQuad     = "RatQuad"
)

// Uniform prior boxes of the log hyperparameters.
var (
	logS2FBounds   = [2]float64{-10, 5}
	logLSBounds    = [2]float64{-2, 3}
	logS2NBounds   = [2]float64{-10, 5}
	logAlphaBounds = [2]float64{-2, 5}
)

// kernel returns the unit-variance covariance at scaled distance r.
func kernel(name string, alpha float64) (func(r float64) float64, error) {
	switch name {
	case KernelExpQuad, "":
		return func(r float64) float64 { return math.Exp(-0.5 * r * r) }, nil
	case KernelExponential:
		return func(r float64) float64 { return math.Exp(-0.5 * r) }, nil
	case KernelMatern32:
		return func(r float64) float64 {
			s := math.Sqrt(3) * r
			return (1 + s) * math.Exp(-s)
		}, nil
	case KernelMatern52:
		return func(r float64) float64 {
			s := math.Sqrt(5) * r
			return (1 + s + s*s/3) * math.Exp(-s)
		}, nil
	case KernelRatQuad:
		return func(r float64) float64 { return math.Pow(1+r*r/(2*alpha), -alpha) }, nil
	}
	return nil, errors.Wrapf(densitybench.ErrPrecondition, "unknown GP kernel %q", name)
}

// SampleGP samples the hyperparameters of a GP regression with covariance
// s2_f·k(x, x'; ls) and noise variance s2_n under Uniform priors on their
// logs. The marginal likelihood is evaluated through a Cholesky factor.
// Only opts.MaxGPRows randomly chosen rows enter the likelihood.
func SampleGP(ctx context.Context, X *mat.Dense, y []float64, opts Options) (*Samples, error) {
	if _, err := kernel(opts.Kernel, 1); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	X, y = subsampleRows(rng, X, y, opts.MaxGPRows)
	n, _ := X.Dims()

	// Squared distances do not depend on the hyperparameters.
	dist := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			diff := 0.0
			for k, v := range X.RawRowView(i) {
				t := v - X.At(j, k)
				diff += t * t
			}
			dist.SetSym(i, j, diff)
		}
	}

	ratQuad := opts.Kernel == KernelRatQuad
	bounds := [][2]float64{logS2FBounds, logLSBounds, logS2NBounds}
	names := []string{"log_s2_f", "log_ls", "log_s2_n"}
	if ratQuad {
		bounds = append(bounds, logAlphaBounds)
		names = append(names, "log_alpha")
	}
	logNames := len(names)
	names = append(names, "s2_f", "ls", "s2_n")
	if ratQuad {
		names = append(names, "alpha")
	}

	cov := mat.NewSymDense(n, nil)
	yv := mat.NewVecDense(n, y)
	alphaVec := mat.NewVecDense(n, nil)
	var chol mat.Cholesky
	logp := func(theta []float64) float64 {
		for i, b := range bounds {
			if theta[i] < b[0] || theta[i] > b[1] {
				return math.Inf(-1)
			}
		}
		s2f, ls, s2n := math.Exp(theta[0]), math.Exp(theta[1]), math.Exp(theta[2])
		alpha := 1.0
		if ratQuad {
			alpha = math.Exp(theta[3])
		}
		k, _ := kernel(opts.Kernel, alpha)
		for i := 0; i < n; i++ {
			cov.SetSym(i, i, s2f+s2n)
			for j := 0; j < i; j++ {
				cov.SetSym(i, j, s2f*k(math.Sqrt(dist.At(i, j))/ls))
			}
		}
		if ok := chol.Factorize(cov); !ok {
			return math.Inf(-1)
		}
		if err := chol.SolveVecTo(alphaVec, yv); err != nil {
			return math.Inf(-1)
		}
		return -0.5*mat.Dot(yv, alphaVec) - 0.5*chol.LogDet() - 0.5*float64(n)*numeric.Log2Pi
	}

	init := make([]float64, len(bounds))
	for i, b := range bounds {
		init[i] = 0.5 * (b[0] + b[1])
	}
	m := rwm{
		logp: logp,
		output: func(theta, dst []float64) {
			copy(dst, theta[:logNames])
			for i := 0; i < logNames; i++ {
				dst[logNames+i] = math.Exp(theta[i])
			}
		},
		names: names,
		step:  0.3,
	}
	return m.run(ctx, rng, init, opts, opts.logger().WithField("model", GP))
}

// subsampleRows keeps at most limit rows chosen uniformly without
// replacement, in their original order.
func subsampleRows(rng *rand.Rand, X *mat.Dense, y []float64, limit int) (*mat.Dense, []float64) {
	n, d := X.Dims()
	if limit <= 0 || n <= limit {
		return X, y
	}
	keep := rng.Perm(n)[:limit]
	mask := make([]bool, n)
	for _, i := range keep {
		mask[i] = true
	}
	out := mat.NewDense(limit, d, nil)
	outY := make([]float64, 0, limit)
	r := 0
	for i := 0; i < n; i++ {
		if mask[i] {
			out.SetRow(r, X.RawRowView(i))
			outY = append(outY, y[i])
			r++
		}
	}
	return out, outY
}
