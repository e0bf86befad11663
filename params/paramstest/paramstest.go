// Package paramstest builds random valid parameter records for tests of the
// evaluators, generators and the cross-check harness.
package paramstest

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-density-bench/params"
)

// SPD returns a random symmetric positive definite d x d matrix A·Aᵀ/d + I/2.
func SPD(rng *rand.Rand, d int) [][]float64 {
	a := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	var s mat.Dense
	s.Mul(a, a.T())
	out := params.Rows(&s)
	for i := range out {
		for j := range out[i] {
			out[i][j] /= float64(d)
		}
		out[i][i] += 0.5
	}
	// Symmetrize exactly so validation sees a bit-symmetric matrix.
	for i := range out {
		for j := 0; j < i; j++ {
			out[j][i] = out[i][j]
		}
	}
	return out
}

// Vector returns d standard normal draws scaled by scale.
func Vector(rng *rand.Rand, d int, scale float64) []float64 {
	v := make([]float64, d)
	for i := range v {
		v[i] = scale * rng.NormFloat64()
	}
	return v
}

// Matrix returns an r x c matrix of normal draws scaled by scale.
func Matrix(rng *rand.Rand, r, c int, scale float64) [][]float64 {
	m := make([][]float64, r)
	for i := range m {
		m[i] = Vector(rng, c, scale)
	}
	return m
}

// Tensor returns an a x b x c tensor of normal draws scaled by scale.
func Tensor(rng *rand.Rand, a, b, c int, scale float64) [][][]float64 {
	t := make([][][]float64, a)
	for i := range t {
		t[i] = Matrix(rng, b, c, scale)
	}
	return t
}

// Gaussian returns a random Gaussian in d dimensions.
func Gaussian(rng *rand.Rand, d int) *params.Gaussian {
	g, err := params.NewGaussian(Vector(rng, d, 1), SPD(rng, d))
	if err != nil {
		panic(err)
	}
	return g
}

// Mixture returns a random full-covariance mixture with k components.
func Mixture(rng *rand.Rand, k, d int) *params.Mixture {
	weights := make([]float64, k)
	covs := make([][][]float64, k)
	for i := range weights {
		weights[i] = 0.1 + rng.Float64()
		covs[i] = SPD(rng, d)
	}
	m, err := params.NewMixture(weights, Matrix(rng, k, d, 2), covs, params.CovarianceFull)
	if err != nil {
		panic(err)
	}
	return m
}

// InvertibleNetwork returns a random stack of layers. Every layer except the
// last uses a leaky_relu activation.
func InvertibleNetwork(rng *rand.Rand, d, layers int, base string) *params.InvertibleNetwork {
	ls := make([]params.Layer, layers)
	for n := range ls {
		lower := make([][]float64, d)
		upper := make([][]float64, d)
		for i := 0; i < d; i++ {
			lower[i] = make([]float64, d)
			upper[i] = make([]float64, d)
			lower[i][i] = 1
			upper[i][i] = 0.5 + rng.Float64()
			if rng.Intn(2) == 0 {
				upper[i][i] = -upper[i][i]
			}
			for j := 0; j < i; j++ {
				lower[i][j] = 0.3 * rng.NormFloat64()
			}
			for j := i + 1; j < d; j++ {
				upper[i][j] = 0.3 * rng.NormFloat64()
			}
		}
		ls[n] = params.Layer{
			Lower:      lower,
			Upper:      upper,
			Bias:       Vector(rng, d, 0.5),
			Activation: params.ActivationLeakyReLU,
			Slope:      0.3,
		}
		if n == layers-1 {
			ls[n].Activation = params.ActivationLinear
			ls[n].Slope = 0
		}
	}
	net, err := params.NewInvertibleNetwork(ls, base, 5)
	if err != nil {
		panic(err)
	}
	return net
}

// AutoregressiveMixture returns a random RNADE with nOrderings random
// orderings.
func AutoregressiveMixture(rng *rand.Rand, d, hidden, layers, components, nOrderings int) *params.AutoregressiveMixture {
	orderings := make([][]int, nOrderings)
	for i := range orderings {
		orderings[i] = rng.Perm(d)
	}
	p, err := params.NewAutoregressiveMixture(params.AutoregressiveMixture{
		NHidden:      hidden,
		NLayers:      layers,
		NComponents:  components,
		W1:           Matrix(rng, d, hidden, 0.3),
		B1:           Vector(rng, hidden, 0.3),
		WFlags:       Matrix(rng, d, hidden, 0.3),
		Ws:           Tensor(rng, layers-1, hidden, hidden, 0.3),
		Bs:           Matrix(rng, layers-1, hidden, 0.3),
		VAlpha:       Tensor(rng, d, hidden, components, 0.3),
		BAlpha:       Matrix(rng, d, components, 0.3),
		VMu:          Tensor(rng, d, hidden, components, 0.5),
		BMu:          Matrix(rng, d, components, 1),
		VSigma:       Tensor(rng, d, hidden, components, 0.1),
		BSigma:       Matrix(rng, d, components, 0.1),
		Nonlinearity: params.NonlinearityRLU,
		Orderings:    orderings,
	})
	if err != nil {
		panic(err)
	}
	return p
}

// Data returns an n x d matrix of normal draws scaled by scale.
func Data(rng *rand.Rand, n, d int, scale float64) *mat.Dense {
	x := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			x.Set(i, j, scale*rng.NormFloat64())
		}
	}
	return x
}
