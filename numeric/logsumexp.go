// Package numeric holds the numerically stable primitives shared by the
// density evaluators: log-sum-exp reductions, row softmax and the
// multivariate normal log-density computed from an inverse-Cholesky factor.
package numeric

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// LogSumExp returns log(sum(exp(values))) without overflow. An empty slice or
// a slice of only -Inf yields -Inf rather than NaN.
func LogSumExp(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(values)
}

// LogSumExpAxis reduces m along axis: 1 reduces each row (one value per row),
// 0 reduces each column (one value per column).
func LogSumExpAxis(m mat.Matrix, axis int) ([]float64, error) {
	r, c := m.Dims()
	switch axis {
	case 1:
		out := make([]float64, r)
		buf := make([]float64, c)
		for i := 0; i < r; i++ {
			mat.Row(buf, i, m)
			out[i] = LogSumExp(buf)
		}
		return out, nil
	case 0:
		out := make([]float64, c)
		buf := make([]float64, r)
		for j := 0; j < c; j++ {
			mat.Col(buf, j, m)
			out[j] = LogSumExp(buf)
		}
		return out, nil
	default:
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "log-sum-exp axis %d, want 0 or 1", axis)
	}
}

// SoftmaxRows returns the row-wise softmax of m. Each row has its maximum
// subtracted before exponentiating, so rows sum to one within rounding.
func SoftmaxRows(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		floats.AddConst(-floats.Max(row), row)
		for j := range row {
			row[j] = math.Exp(row[j])
		}
		floats.Scale(1/floats.Sum(row), row)
		out.SetRow(i, row)
	}
	return out
}

// LogSoftmax writes the log of the softmax of src into dst and returns dst.
// dst may alias src.
func LogSoftmax(dst, src []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(src))
	}
	lse := LogSumExp(src)
	for i, v := range src {
		dst[i] = v - lse
	}
	return dst
}
