package posterior

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-density-bench/numeric"
)

// nnHidden is the width of the shallow network's tanh layer.
const nnHidden = 5

// SampleShallowNN samples a one-hidden-layer tanh network
// y ~ N(tanh(X·W1 + b1)·w2 + b2, exp(log_sigma)²) with standard Normal priors
// on every weight and on log_sigma.
func SampleShallowNN(ctx context.Context, X *mat.Dense, y []float64, opts Options) (*Samples, error) {
	n, d := X.Dims()
	h := nnHidden
	var names []string
	for i := 0; i < d; i++ {
		for j := 0; j < h; j++ {
			names = append(names, fmt.Sprintf("w1_%d_%d", i, j))
		}
	}
	for j := 0; j < h; j++ {
		names = append(names, fmt.Sprintf("b1_%d", j))
	}
	for j := 0; j < h; j++ {
		names = append(names, fmt.Sprintf("w2_%d", j))
	}
	names = append(names, "b2", "log_sigma")

	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = X.RawRowView(i)
	}
	hidden := make([]float64, h)
	logp := func(theta []float64) float64 {
		w1 := theta[:d*h]
		b1 := theta[d*h : d*h+h]
		w2 := theta[d*h+h : d*h+2*h]
		b2 := theta[d*h+2*h]
		logSigma := theta[d*h+2*h+1]

		lp := 0.0
		for _, v := range theta {
			lp -= 0.5 * (v*v + numeric.Log2Pi)
		}
		inv := math.Exp(-logSigma)
		for i, row := range rows {
			for j := 0; j < h; j++ {
				a := b1[j]
				for k, x := range row {
					a += x * w1[k*h+j]
				}
				hidden[j] = math.Tanh(a)
			}
			f := b2
			for j, v := range hidden {
				f += v * w2[j]
			}
			z := (y[i] - f) * inv
			lp -= 0.5*z*z + logSigma + 0.5*numeric.Log2Pi
		}
		return lp
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	init := make([]float64, len(names))
	for i := 0; i < d*h; i++ {
		init[i] = 0.1 * rng.NormFloat64()
	}
	m := rwm{
		logp:   logp,
		output: func(theta, dst []float64) { copy(dst, theta) },
		names:  names,
		step:   0.1 / math.Sqrt(float64(len(names))),
	}
	return m.run(ctx, rng, init, opts, opts.logger().WithField("model", ShallowNN))
}
