package graph_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/graph"
	"github.com/n0madic/go-density-bench/loglik"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/params/paramstest"
)

const agreeTol = 1e-8

func TestMatchesAnalyticEvaluator(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	tests := []struct {
		name string
		p    params.ModelParams
	}{
		{"gaussian", paramstest.Gaussian(rng, 3)},
		{"mixture", paramstest.Mixture(rng, 3, 2)},
		{"invertible gaussian", paramstest.InvertibleNetwork(rng, 3, 3, params.BaseGaussian)},
		{"invertible student", paramstest.InvertibleNetwork(rng, 2, 2, params.BaseStudentT)},
		{"autoregressive", paramstest.AutoregressiveMixture(rng, 3, 5, 2, 3, 3)},
		{"autoregressive one layer", paramstest.AutoregressiveMixture(rng, 2, 4, 1, 2, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			X := paramstest.Data(rng, 8, tt.p.Dim(), 1.5)
			want, err := loglik.Evaluate(X, tt.p)
			require.NoError(t, err)

			m, err := graph.Build(tt.p)
			require.NoError(t, err)
			defer m.Close()
			require.Equal(t, tt.p.Dim(), m.Dim())

			for i := range want {
				got, err := m.LogDensity(mat.Row(nil, i, X))
				require.NoError(t, err)
				assert.InDelta(t, want[i], got, agreeTol, "row %d", i)
			}
		})
	}
}

func TestScenarios(t *testing.T) {
	g, err := params.NewGaussian([]float64{0, 0}, [][]float64{{1, 0}, {0, 1}})
	require.NoError(t, err)
	mix, err := params.NewMixture([]float64{0.5, 0.5}, [][]float64{{-1}, {1}}, [][][]float64{{{1}}, {{1}}}, params.CovarianceFull)
	require.NoError(t, err)

	tests := []struct {
		name string
		p    params.ModelParams
		x    []float64
		want float64
	}{
		{"standard gaussian", g, []float64{0, 0}, -math.Log(2 * math.Pi)},
		{"symmetric mixture", mix, []float64{0}, math.Log(0.5) + math.Log(2) - 0.5 - 0.5*math.Log(2*math.Pi)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := graph.Build(tt.p)
			require.NoError(t, err)
			defer m.Close()
			got, err := m.LogDensity(tt.x)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	diag, err := params.NewMixture([]float64{1}, [][]float64{{0}}, [][][]float64{{{1}}}, "diag")
	require.NoError(t, err)
	sigmoid := paramstest.AutoregressiveMixture(rng, 2, 3, 1, 2, 1)
	sigmoid.Nonlinearity = "sigmoid"
	singular, err := params.NewGaussian([]float64{0, 0}, [][]float64{{1, 1}, {1, 1}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		p       params.ModelParams
		wantErr error
	}{
		{"nil", nil, densitybench.ErrPrecondition},
		{"diag mixture", diag, densitybench.ErrPrecondition},
		{"nonlinearity", sigmoid, densitybench.ErrUnimplemented},
		{"singular", singular, densitybench.ErrNumerical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := graph.Build(tt.p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLogDensityRejectsWrongLength(t *testing.T) {
	m, err := graph.Build(paramstest.Gaussian(rand.New(rand.NewSource(33)), 2))
	require.NoError(t, err)
	defer m.Close()
	_, err = m.LogDensity([]float64{1, 2, 3})
	assert.ErrorIs(t, err, densitybench.ErrPrecondition)
}

func TestRepeatedEvaluation(t *testing.T) {
	m, err := graph.Build(paramstest.Mixture(rand.New(rand.NewSource(34)), 2, 2))
	require.NoError(t, err)
	defer m.Close()
	first, err := m.LogDensity([]float64{0.3, -0.2})
	require.NoError(t, err)
	_, err = m.LogDensity([]float64{5, 5})
	require.NoError(t, err)
	again, err := m.LogDensity([]float64{0.3, -0.2})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestLeakyZeroPreactivation(t *testing.T) {
	const slope = 0.5
	layer := params.Layer{
		Lower:      [][]float64{{1, 0}, {0, 1}},
		Upper:      [][]float64{{1, 0}, {0, 1}},
		Bias:       []float64{0, 0},
		Activation: params.ActivationLeakyReLU,
		Slope:      slope,
	}
	net, err := params.NewInvertibleNetwork([]params.Layer{layer}, params.BaseGaussian, 0)
	require.NoError(t, err)

	m, err := graph.Build(net)
	require.NoError(t, err)
	defer m.Close()

	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{"origin", []float64{0, 0}, -math.Log(2 * math.Pi)},
		{"one zero one negative", []float64{0, -1}, -math.Log(2*math.Pi) - 0.5*0.25 + math.Log(slope)},
		{"zero and positive", []float64{1, 0}, -math.Log(2*math.Pi) - 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.LogDensity(tt.x)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)

			want, err := loglik.Evaluate(mat.NewDense(1, 2, tt.x), net)
			require.NoError(t, err)
			assert.InDelta(t, want[0], got, agreeTol)
		})
	}
}
