package synth_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/loglik"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/params/paramstest"
	"github.com/n0madic/go-density-bench/synth"
)

const samples = 100000

func TestGaussianMoments(t *testing.T) {
	g, err := params.NewGaussian([]float64{1, -2}, [][]float64{{2, 0.6}, {0.6, 0.5}})
	require.NoError(t, err)
	x, err := synth.Gaussian(g, samples, rand.New(rand.NewSource(41)))
	require.NoError(t, err)

	col0, col1 := mat.Col(nil, 0, x), mat.Col(nil, 1, x)
	assert.InDelta(t, 1, stat.Mean(col0, nil), 0.02)
	assert.InDelta(t, -2, stat.Mean(col1, nil), 0.01)
	assert.InDelta(t, 2, stat.Variance(col0, nil), 0.04)
	assert.InDelta(t, 0.5, stat.Variance(col1, nil), 0.01)
	assert.InDelta(t, 0.6, stat.Covariance(col0, col1, nil), 0.02)
}

func TestMixtureMoments(t *testing.T) {
	m, err := params.NewMixture([]float64{1, 3}, [][]float64{{-2}, {2}}, [][][]float64{{{0.5}}, {{1}}}, params.CovarianceFull)
	require.NoError(t, err)
	x, err := synth.Mixture(m, samples, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	col := mat.Col(nil, 0, x)
	// mean 0.25·(-2) + 0.75·2, variance E[σ²] + Var(μ).
	assert.InDelta(t, 1, stat.Mean(col, nil), 0.02)
	assert.InDelta(t, 0.25*0.5+0.75*1+3, stat.Variance(col, nil), 0.05)
}

func TestInvertibleNetworkRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	net := paramstest.InvertibleNetwork(rng, 3, 3, params.BaseGaussian)
	x, err := synth.InvertibleNetwork(net, samples, rng)
	require.NoError(t, err)

	y := forward(net, x)
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, y)
		mean, variance := stat.MeanVariance(col, nil)
		assert.InDelta(t, 0, mean, 0.02, "dim %d", j)
		assert.InDelta(t, 1, variance, 0.03, "dim %d", j)
	}
}

// forward applies the layer stack row by row.
func forward(net *params.InvertibleNetwork, x mat.Matrix) *mat.Dense {
	n, d := x.Dims()
	out := mat.DenseCopyOf(x)
	for _, layer := range net.Layers {
		var a mat.Dense
		a.Mul(out, layer.Weight().T())
		for i := 0; i < n; i++ {
			for j := 0; j < d; j++ {
				v := a.At(i, j) + layer.Bias[j]
				if layer.Activation == params.ActivationLeakyReLU && v < 0 {
					v *= layer.Slope
				}
				a.Set(i, j, v)
			}
		}
		out = &a
	}
	return out
}

func TestSampleMeansMatchDensity(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	tests := []struct {
		name       string
		p          params.ModelParams
		gen        synth.Generator
		half, step float64
	}{
		{"student network", paramstest.InvertibleNetwork(rng, 1, 2, params.BaseStudentT), synth.InvertibleNetwork, 200, 0.05},
		{"autoregressive 1d", paramstest.AutoregressiveMixture(rng, 1, 4, 2, 3, 1), synth.AutoregressiveMixture, 40, 0.05},
		{"autoregressive 2d", paramstest.AutoregressiveMixture(rng, 2, 4, 2, 3, 3), synth.AutoregressiveMixture, 30, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := tt.gen(tt.p, samples, rng)
			require.NoError(t, err)
			want := gridMeans(t, tt.p, tt.half, tt.step)
			for j, w := range want {
				col := mat.Col(nil, j, x)
				sd := stat.StdDev(col, nil)
				assert.InDelta(t, w, stat.Mean(col, nil), 5*sd/math.Sqrt(samples), "dim %d", j)
			}
		})
	}
}

// gridMeans integrates x·p(x) on a midpoint grid over [-half, half]^D.
func gridMeans(t *testing.T, p params.ModelParams, half, step float64) []float64 {
	t.Helper()
	side := int(math.Round(2 * half / step))
	d := p.Dim()
	points := 1
	for i := 0; i < d; i++ {
		points *= side
	}
	X := mat.NewDense(points, d, nil)
	for r := 0; r < points; r++ {
		idx := r
		for j := 0; j < d; j++ {
			X.Set(r, j, -half+(float64(idx%side)+0.5)*step)
			idx /= side
		}
	}
	lp, err := loglik.Evaluate(X, p)
	require.NoError(t, err)
	cell := math.Pow(step, float64(d))
	means := make([]float64, d)
	for r, v := range lp {
		w := math.Exp(v) * cell
		for j := 0; j < d; j++ {
			means[j] += w * X.At(r, j)
		}
	}
	return means
}

func TestRegistry(t *testing.T) {
	rng := rand.New(rand.NewSource(45))
	reg := synth.DefaultRegistry()
	assert.Equal(t, []string{"Gaussian", "IGN", "MoG", "RNADE", "VBMoG"}, reg.Names())

	x, err := reg.Generate("MoG", paramstest.Mixture(rng, 2, 3), 7, rng)
	require.NoError(t, err)
	r, c := x.Dims()
	assert.Equal(t, 7, r)
	assert.Equal(t, 3, c)

	tests := []struct {
		name  string
		model string
		p     params.ModelParams
		n     int
	}{
		{"unknown model", "GAN", paramstest.Gaussian(rng, 2), 5},
		{"family mismatch", "RNADE", paramstest.Gaussian(rng, 2), 5},
		{"nil params", "IGN", nil, 5},
		{"no rows", "Gaussian", paramstest.Gaussian(rng, 2), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Generate(tt.model, tt.p, tt.n, rng)
			assert.ErrorIs(t, err, densitybench.ErrPrecondition)
		})
	}
}

func TestDeterministicGivenSeed(t *testing.T) {
	p := paramstest.AutoregressiveMixture(rand.New(rand.NewSource(46)), 3, 4, 2, 2, 2)
	a, err := synth.AutoregressiveMixture(p, 20, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := synth.AutoregressiveMixture(p, 20, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a, b))
}

func TestStudentTBaseDraws(t *testing.T) {
	const dof = 6
	identity := params.Layer{
		Lower:      [][]float64{{1, 0}, {0, 1}},
		Upper:      [][]float64{{1, 0}, {0, 1}},
		Bias:       []float64{0, 0},
		Activation: params.ActivationLinear,
	}
	net, err := params.NewInvertibleNetwork([]params.Layer{identity}, params.BaseStudentT, dof)
	require.NoError(t, err)

	x, err := synth.InvertibleNetwork(net, samples, rand.New(rand.NewSource(47)))
	require.NoError(t, err)
	for j := 0; j < 2; j++ {
		mean, variance := stat.MeanVariance(mat.Col(nil, j, x), nil)
		assert.InDelta(t, 0, mean, 0.02, "dim %d", j)
		assert.InEpsilon(t, dof/(dof-2.0), variance, 0.05, "dim %d", j)
	}

	again, err := synth.InvertibleNetwork(net, 50, rand.New(rand.NewSource(47)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(x.Slice(0, 50, 0, 2), again), "same seed, same draws")
}
