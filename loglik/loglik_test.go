package loglik_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/loglik"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/params/paramstest"
)

const (
	rowTol  = 1e-8
	normTol = 1e-3
)

func randomFamilies(rng *rand.Rand) map[string]params.ModelParams {
	return map[string]params.ModelParams{
		"gaussian":           paramstest.Gaussian(rng, 3),
		"mixture":            paramstest.Mixture(rng, 4, 3),
		"invertible gauss":   paramstest.InvertibleNetwork(rng, 3, 3, params.BaseGaussian),
		"invertible student": paramstest.InvertibleNetwork(rng, 3, 2, params.BaseStudentT),
		"autoregressive":     paramstest.AutoregressiveMixture(rng, 3, 6, 2, 3, 4),
		"autoregressive 1l":  paramstest.AutoregressiveMixture(rng, 3, 5, 1, 2, 1),
	}
}

func TestRowBatchConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for name, p := range randomFamilies(rng) {
		t.Run(name, func(t *testing.T) {
			X := paramstest.Data(rng, 25, p.Dim(), 1.5)
			batch, err := loglik.Evaluate(X, p)
			require.NoError(t, err)
			require.Len(t, batch, 25)
			for i := 0; i < 25; i++ {
				row, err := loglik.Evaluate(X.Slice(i, i+1, 0, p.Dim()), p)
				require.NoError(t, err)
				require.Len(t, row, 1)
				assert.InDelta(t, batch[i], row[0], rowTol, "row %d", i)
				assert.False(t, math.IsNaN(batch[i]) || math.IsInf(batch[i], 0), "row %d", i)
			}
		})
	}
}

func TestEmptyBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	for name, p := range randomFamilies(rng) {
		t.Run(name, func(t *testing.T) {
			out, err := loglik.Evaluate(&emptyMatrix{cols: p.Dim()}, p)
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

// emptyMatrix is a 0 x cols matrix, which mat.Dense cannot represent.
type emptyMatrix struct{ cols int }

func (e *emptyMatrix) Dims() (int, int)    { return 0, e.cols }
func (e *emptyMatrix) At(i, j int) float64 { panic(mat.ErrIndexOutOfRange) }
func (e *emptyMatrix) T() mat.Matrix       { return mat.Transpose{Matrix: e} }

func TestStandardGaussianAtOrigin(t *testing.T) {
	g, err := params.NewGaussian([]float64{0, 0}, [][]float64{{1, 0}, {0, 1}})
	require.NoError(t, err)
	out, err := loglik.Gaussian(mat.NewDense(1, 2, []float64{0, 0}), g)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(2*math.Pi), out[0], 1e-12)
	assert.InDelta(t, -1.8379, out[0], 1e-4)
}

func TestTwoComponentMixtureAtZero(t *testing.T) {
	m, err := params.NewMixture(
		[]float64{0.5, 0.5},
		[][]float64{{-1}, {1}},
		[][][]float64{{{1}}, {{1}}},
		params.CovarianceFull,
	)
	require.NoError(t, err)
	out, err := loglik.Mixture(mat.NewDense(1, 1, []float64{0}), m)
	require.NoError(t, err)

	want := math.Log(0.5) + math.Log(2) - 0.5 - 0.5*math.Log(2*math.Pi)
	assert.InDelta(t, want, out[0], 1e-12)
	assert.InDelta(t, -1.41894, out[0], 1e-5)
}

func TestMixtureRejectsNonFullCovariance(t *testing.T) {
	m, err := params.NewMixture([]float64{1}, [][]float64{{0, 0}}, [][][]float64{{{1, 0}, {0, 1}}}, "diag")
	require.NoError(t, err)
	_, err = loglik.Mixture(mat.NewDense(1, 2, nil), m)
	require.ErrorIs(t, err, densitybench.ErrPrecondition)

	_, err = loglik.Evaluate(mat.NewDense(1, 2, nil), m)
	require.ErrorIs(t, err, densitybench.ErrPrecondition)
}

func TestMixtureWeightScalingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	base := paramstest.Mixture(rng, 3, 2)
	X := paramstest.Data(rng, 30, 2, 2)
	want, err := loglik.Mixture(X, base)
	require.NoError(t, err)

	for _, scale := range []float64{1e-6, 0.5, 3, 1e6} {
		w := make([]float64, len(base.Weights))
		for i, v := range base.Weights {
			w[i] = scale * v
		}
		scaled, err := params.NewMixtureWithFactors(w, base.Means, base.Covariances, base.PrecisionsCholesky, base.CovarianceType)
		require.NoError(t, err)
		got, err := loglik.Mixture(X, scaled)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, got, 1e-10, "scale %g", scale)
	}
}

func TestSingleComponentMixtureMatchesGaussian(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	g := paramstest.Gaussian(rng, 3)
	m, err := params.NewMixture([]float64{2}, [][]float64{g.Mean}, [][][]float64{g.Covariance}, params.CovarianceFull)
	require.NoError(t, err)
	X := paramstest.Data(rng, 10, 3, 1)

	want, err := loglik.Gaussian(X, g)
	require.NoError(t, err)
	got, err := loglik.Mixture(X, m)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-10)
}

func TestLinearInvertibleNetworkIsGaussian(t *testing.T) {
	// y = W x + b with a standard normal base is N(x; -W⁻¹b, (WᵀW)⁻¹).
	layer := params.Layer{
		Lower:      [][]float64{{1, 0}, {0.4, 1}},
		Upper:      [][]float64{{1.5, -0.2}, {0, -0.7}},
		Bias:       []float64{0.3, -1},
		Activation: params.ActivationLinear,
	}
	net, err := params.NewInvertibleNetwork([]params.Layer{layer}, params.BaseGaussian, 0)
	require.NoError(t, err)

	w := layer.Weight()
	var winv mat.Dense
	require.NoError(t, winv.Inverse(w))
	mean := mat.NewVecDense(2, nil)
	mean.MulVec(&winv, mat.NewVecDense(2, layer.Bias))
	mean.ScaleVec(-1, mean)
	var cov mat.Dense
	cov.Mul(&winv, winv.T())
	g, err := params.NewGaussian(mean.RawVector().Data, params.Rows(&cov))
	require.NoError(t, err)

	X := paramstest.Data(rand.New(rand.NewSource(15)), 20, 2, 2)
	want, err := loglik.Gaussian(X, g)
	require.NoError(t, err)
	got, err := loglik.InvertibleNetwork(X, net)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-9)
}

func TestNormalization1D(t *testing.T) {
	leaky := params.Layer{
		Lower: [][]float64{{1}}, Upper: [][]float64{{2}}, Bias: []float64{0.1},
		Activation: params.ActivationLeakyReLU, Slope: 0.5,
	}
	linear := params.Layer{
		Lower: [][]float64{{1}}, Upper: [][]float64{{-0.8}}, Bias: []float64{0.3},
		Activation: params.ActivationLinear,
	}
	gaussNet, err := params.NewInvertibleNetwork([]params.Layer{leaky, linear}, params.BaseGaussian, 0)
	require.NoError(t, err)
	studentNet, err := params.NewInvertibleNetwork([]params.Layer{leaky, linear}, params.BaseStudentT, 5)
	require.NoError(t, err)
	mix, err := params.NewMixture([]float64{0.2, 0.8}, [][]float64{{-2}, {1}}, [][][]float64{{{0.5}}, {{2}}}, params.CovarianceFull)
	require.NoError(t, err)
	rnade := paramstest.AutoregressiveMixture(rand.New(rand.NewSource(16)), 1, 4, 2, 3, 1)

	tests := []struct {
		name   string
		p      params.ModelParams
		lo, hi float64
		step   float64
	}{
		{"mixture", mix, -20, 20, 1e-3},
		{"invertible gaussian", gaussNet, -30, 30, 1e-3},
		{"invertible student", studentNet, -400, 400, 5e-3},
		{"autoregressive", rnade, -30, 30, 1e-3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := int(math.Round((tt.hi - tt.lo) / tt.step))
			X := mat.NewDense(n, 1, nil)
			for i := 0; i < n; i++ {
				X.Set(i, 0, tt.lo+(float64(i)+0.5)*tt.step)
			}
			assert.InDelta(t, 1, integrate(t, X, tt.p, tt.step), normTol)
		})
	}
}

func TestNormalization2D(t *testing.T) {
	g, err := params.NewGaussian([]float64{0.5, -0.3}, [][]float64{{1, 0.3}, {0.3, 0.5}})
	require.NoError(t, err)
	mix, err := params.NewMixture(
		[]float64{1, 3},
		[][]float64{{-1, 1}, {1.5, 0}},
		[][][]float64{{{0.6, -0.2}, {-0.2, 0.4}}, {{1, 0.5}, {0.5, 1.2}}},
		params.CovarianceFull,
	)
	require.NoError(t, err)
	rnade := paramstest.AutoregressiveMixture(rand.New(rand.NewSource(17)), 2, 4, 2, 2, 2)

	tests := []struct {
		name string
		p    params.ModelParams
		half float64
		step float64
	}{
		{"gaussian", g, 10, 0.05},
		{"mixture", mix, 12, 0.05},
		{"autoregressive", rnade, 30, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side := int(math.Round(2 * tt.half / tt.step))
			X := mat.NewDense(side*side, 2, nil)
			for i := 0; i < side; i++ {
				for j := 0; j < side; j++ {
					X.Set(i*side+j, 0, -tt.half+(float64(i)+0.5)*tt.step)
					X.Set(i*side+j, 1, -tt.half+(float64(j)+0.5)*tt.step)
				}
			}
			assert.InDelta(t, 1, integrate(t, X, tt.p, tt.step*tt.step), normTol)
		})
	}
}

func integrate(t *testing.T, X mat.Matrix, p params.ModelParams, cell float64) float64 {
	t.Helper()
	lp, err := loglik.Evaluate(X, p)
	require.NoError(t, err)
	total := 0.0
	for _, v := range lp {
		total += math.Exp(v) * cell
	}
	return total
}

func TestOrderingReplacement(t *testing.T) {
	rng := rand.New(rand.NewSource(18))
	p := paramstest.AutoregressiveMixture(rng, 4, 6, 2, 3, 3)
	X := paramstest.Data(rng, 15, 4, 1)
	before, err := loglik.AutoregressiveMixture(X, p)
	require.NoError(t, err)

	q, err := params.NewAutoregressiveMixture(*p)
	require.NoError(t, err)
	q.Orderings = [][]int{{3, 2, 1, 0}, {0, 2, 1, 3}, {1, 0, 3, 2}}
	after, err := loglik.AutoregressiveMixture(X, q)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	for i := range after {
		assert.False(t, math.IsNaN(after[i]) || math.IsInf(after[i], 0))
		row, err := loglik.AutoregressiveMixture(X.Slice(i, i+1, 0, 4), q)
		require.NoError(t, err)
		assert.InDelta(t, after[i], row[0], rowTol)
	}
}

func TestRepeatedOrderingEqualsSingle(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	p := paramstest.AutoregressiveMixture(rng, 3, 5, 2, 2, 1)
	X := paramstest.Data(rng, 10, 3, 1)
	single, err := loglik.AutoregressiveMixture(X, p)
	require.NoError(t, err)

	q, err := params.NewAutoregressiveMixture(*p)
	require.NoError(t, err)
	q.Orderings = [][]int{p.Orderings[0], p.Orderings[0], p.Orderings[0]}
	repeated, err := loglik.AutoregressiveMixture(X, q)
	require.NoError(t, err)
	assert.InDeltaSlice(t, single, repeated, 1e-12)
}

func TestUnsupportedNonlinearity(t *testing.T) {
	p := paramstest.AutoregressiveMixture(rand.New(rand.NewSource(20)), 2, 3, 1, 2, 1)
	p.Nonlinearity = "sigmoid"
	_, err := loglik.AutoregressiveMixture(mat.NewDense(1, 2, nil), p)
	require.ErrorIs(t, err, densitybench.ErrUnimplemented)
}

func TestPreconditions(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	singular, err := params.NewGaussian([]float64{0, 0}, [][]float64{{1, 1}, {1, 1}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		X       mat.Matrix
		p       params.ModelParams
		wantErr error
	}{
		{"nil params", mat.NewDense(1, 2, nil), nil, densitybench.ErrPrecondition},
		{"gaussian dim", mat.NewDense(1, 3, nil), paramstest.Gaussian(rng, 2), densitybench.ErrPrecondition},
		{"mixture dim", mat.NewDense(1, 3, nil), paramstest.Mixture(rng, 2, 2), densitybench.ErrPrecondition},
		{"invertible dim", mat.NewDense(1, 1, nil), paramstest.InvertibleNetwork(rng, 2, 1, params.BaseGaussian), densitybench.ErrPrecondition},
		{"autoregressive dim", mat.NewDense(1, 1, nil), paramstest.AutoregressiveMixture(rng, 2, 3, 1, 2, 1), densitybench.ErrPrecondition},
		{"singular gaussian", mat.NewDense(1, 2, nil), singular, densitybench.ErrNumerical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loglik.Evaluate(tt.X, tt.p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCovarianceCheckLogs(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	X := paramstest.Data(rng, 5, 2, 1)

	t.Run("agreement", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		_, err := loglik.Mixture(X, paramstest.Mixture(rng, 2, 2), loglik.WithCovarianceCheck(), loglik.WithLogger(logger))
		require.NoError(t, err)
		require.Len(t, hook.AllEntries(), 2)
		for _, e := range hook.AllEntries() {
			assert.Equal(t, logrus.DebugLevel, e.Level)
			assert.Equal(t, "covariance_check", e.Data["action"])
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		m := paramstest.Mixture(rng, 2, 2)
		want, err := loglik.Mixture(X, m)
		require.NoError(t, err)

		m.Covariances[1][0][0] *= 3
		got, err := loglik.Mixture(X, m, loglik.WithCovarianceCheck(), loglik.WithLogger(logger))
		require.NoError(t, err)
		assert.Equal(t, want, got)
		require.Len(t, hook.AllEntries(), 1)
		entry := hook.LastEntry()
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, 1, entry.Data["component"])
		assert.Contains(t, entry.Data, "log10_err")
	})

	t.Run("not positive definite", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		m := paramstest.Mixture(rng, 1, 2)
		m.Covariances[0] = [][]float64{{1, 2}, {2, 1}}
		_, err := loglik.Mixture(X, m, loglik.WithCovarianceCheck(), loglik.WithLogger(logger))
		require.NoError(t, err)
		require.Len(t, hook.AllEntries(), 1)
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})
}
