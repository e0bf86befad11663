package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

func TestEStepResponsibilities(t *testing.T) {
	left, ok := distmv.NewNormal([]float64{-2}, mat.NewSymDense(1, []float64{1}), nil)
	require.True(t, ok)
	right, ok := distmv.NewNormal([]float64{2}, mat.NewSymDense(1, []float64{1}), nil)
	require.True(t, ok)
	dists := []*distmv.Normal{left, right}
	weights := []float64{0.25, 0.75}

	// Far tail rows underflow a naive exp of the joint density.
	X := mat.NewDense(4, 1, []float64{-2, 0, 2, 60})
	resp := mat.NewDense(4, 2, nil)
	got := eStep(X, weights, dists, resp)

	want := 0.0
	for i := 0; i < 4; i++ {
		x := X.At(i, 0)
		a := math.Log(weights[0]) + left.LogProb([]float64{x})
		b := math.Log(weights[1]) + right.LogProb([]float64{x})
		lse := floats.LogSumExp([]float64{a, b})
		want += lse
		assert.InDelta(t, math.Exp(a-lse), resp.At(i, 0), 1e-12, "row %d", i)
		assert.InDelta(t, math.Exp(b-lse), resp.At(i, 1), 1e-12, "row %d", i)
		assert.InDelta(t, 1, resp.At(i, 0)+resp.At(i, 1), 1e-12, "row %d", i)
	}
	assert.InDelta(t, want/4, got, 1e-9)
	// At x=0 the components tie and only the weights decide.
	assert.InDelta(t, 0.25, resp.At(1, 0), 1e-12)
	assert.InDelta(t, 1, resp.At(3, 1), 1e-12)
}
