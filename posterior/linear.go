package posterior

import (
	"context"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// weightPriorVar is the variance of the Normal prior on every
	// non-intercept weight. The intercept prior is flat.
	weightPriorVar = 1e6
	// noiseScale is the scale of the half-Cauchy prior on the noise sd.
	noiseScale = 10.0
	// robustNu is the Student-t degrees of freedom of the robust likelihood.
	robustNu = 1.0
)

func linearSampler(build design, robust bool) Sampler {
	return func(ctx context.Context, X *mat.Dense, y []float64, opts Options) (*Samples, error) {
		Z, names, err := build(X, opts)
		if err != nil {
			return nil, err
		}
		return gibbsLinear(ctx, Z, names, y, robust, opts)
	}
}

// gibbsLinear samples y = Zβ + ε. With robust set, ε_i ~ N(0, σ²/λ_i) with
// λ_i ~ Gamma(ν/2, ν/2), i.e. a Student-t likelihood; otherwise λ_i = 1.
// The half-Cauchy prior on σ uses the inverse-gamma auxiliary a:
// σ² | a ~ IG(1/2, 1/a), a ~ IG(1/2, 1/A²).
func gibbsLinear(ctx context.Context, Z *mat.Dense, names []string, y []float64, robust bool, opts Options) (*Samples, error) {
	n, p := Z.Dims()
	rng := rand.New(rand.NewSource(opts.Seed))

	prior := make([]float64, p)
	for j := 1; j < p; j++ {
		prior[j] = 1 / weightPriorVar
	}
	sigma2 := stat.Variance(y, nil)
	if !(sigma2 > 0) || math.IsInf(sigma2, 0) {
		sigma2 = 1
	}
	blr, err := NewBLR(prior, sigma2)
	if err != nil {
		return nil, err
	}

	lambda := ones(n)
	gram := mat.NewSymDense(p, nil)
	xty := make([]float64, p)
	weighted := mat.NewDense(n, p, nil)
	wy := make([]float64, n)
	stats := func() {
		for i := 0; i < n; i++ {
			s := math.Sqrt(lambda[i])
			for j := 0; j < p; j++ {
				weighted.Set(i, j, s*Z.At(i, j))
			}
			wy[i] = lambda[i] * y[i]
		}
		gram.SymOuterK(1, weighted.T())
		mat.NewVecDense(p, xty).MulVec(Z.T(), mat.NewVecDense(n, wy))
	}
	stats()

	beta := make([]float64, p)
	betaVec := mat.NewVecDense(p, beta)
	fitted := mat.NewVecDense(n, nil)
	a := 1.0
	tr := newTrace(append(append([]string(nil), names...), "sd"), opts.NumSamples)
	draw := make([]float64, p+1)

	for iter := 0; iter < opts.Tune+opts.NumSamples; iter++ {
		if err := canceled(ctx, iter); err != nil {
			return nil, err
		}
		if robust && iter > 0 {
			stats()
		}
		if err := blr.SetStatistics(gram, xty, sigma2, n); err != nil {
			return nil, err
		}
		if err := blr.Sample(rng, beta); err != nil {
			return nil, err
		}

		fitted.MulVec(Z, betaVec)
		ss := 0.0
		for i := 0; i < n; i++ {
			r := y[i] - fitted.AtVec(i)
			ss += lambda[i] * r * r
		}
		sigma2 = distuv.InverseGamma{Alpha: float64(n+1) / 2, Beta: ss/2 + 1/a, Src: rng}.Rand()
		a = distuv.InverseGamma{Alpha: 1, Beta: 1/sigma2 + 1/(noiseScale*noiseScale), Src: rng}.Rand()
		if robust {
			for i := 0; i < n; i++ {
				r := y[i] - fitted.AtVec(i)
				lambda[i] = distuv.Gamma{Alpha: (robustNu + 1) / 2, Beta: (robustNu + r*r/sigma2) / 2, Src: rng}.Rand()
			}
		}

		if iter >= opts.Tune {
			copy(draw, beta)
			draw[p] = math.Sqrt(sigma2)
			tr.add(draw)
		}
	}
	return tr.samples(), nil
}
