package loglik

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/numeric"
	"github.com/n0madic/go-density-bench/params"
)

// InvertibleNetwork pushes every row through the layer stack,
//
//	y = act(W·x + b),  W = Lower·Upper,
//
// accumulating log|det ∂y/∂x| = Σ log|Upper_ii| + Σ_{a_j<0} log(slope) per
// layer, and adds the base log-density of the output. The student_t base is
// a product of independent standard Student-t marginals.
func InvertibleNetwork(X mat.Matrix, p *params.InvertibleNetwork, _ ...Option) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkDims(X, p.Dim()); err != nil {
		return nil, err
	}
	n, d := X.Dims()
	out := make([]float64, n)
	if n == 0 {
		return out, nil
	}

	h := mat.DenseCopyOf(X)
	for li, layer := range p.Layers {
		var a mat.Dense
		a.Mul(h, layer.Weight().T())
		logDet := layer.LogAbsDet()
		for i := 0; i < n; i++ {
			out[i] += logDet
			for j := 0; j < d; j++ {
				v := a.At(i, j) + layer.Bias[j]
				switch layer.Activation {
				case params.ActivationLinear:
				case params.ActivationLeakyReLU:
					if v < 0 {
						v *= layer.Slope
						out[i] += math.Log(layer.Slope)
					}
				default:
					return nil, errors.Wrapf(densitybench.ErrUnimplemented, "layer %d activation %q", li, layer.Activation)
				}
				a.Set(i, j, v)
			}
		}
		h = &a
	}

	var t distuv.StudentsT
	if p.Base == params.BaseStudentT {
		t = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: p.DoF}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			y := h.At(i, j)
			switch p.Base {
			case params.BaseGaussian:
				out[i] += -0.5 * (y*y + numeric.Log2Pi)
			case params.BaseStudentT:
				out[i] += t.LogProb(y)
			}
		}
	}
	return out, nil
}
