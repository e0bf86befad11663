package params

import (
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-density-bench/numeric"
)

// psdTol bounds how negative the smallest covariance eigenvalue may be
// before a matrix stops counting as positive semi-definite.
const psdTol = 1e-10

// Gaussian is a single multivariate normal.
type Gaussian struct {
	Mean       []float64
	Covariance [][]float64
}

// NewGaussian copies and validates a mean vector and covariance matrix.
func NewGaussian(mean []float64, cov [][]float64) (*Gaussian, error) {
	g := &Gaussian{Mean: copyVec(mean), Covariance: copyMat(cov)}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gaussian) Family() Family { return FamilyGaussian }
func (g *Gaussian) Dim() int       { return len(g.Mean) }
func (g *Gaussian) sealed()        {}

func (g *Gaussian) Validate() error {
	d := len(g.Mean)
	if d == 0 {
		return preconditionf("gaussian has empty mean")
	}
	if err := checkMatShape("covariance", g.Covariance, d, d); err != nil {
		return err
	}
	return checkPSD("covariance", Dense(g.Covariance))
}

// CovarianceSym returns the covariance as a gonum symmetric matrix.
func (g *Gaussian) CovarianceSym() *mat.SymDense {
	return numeric.SymFromDense(Dense(g.Covariance))
}

func checkPSD(name string, m *mat.Dense) error {
	if !numeric.IsSymmetric(m) {
		return preconditionf("%s is not symmetric", name)
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(numeric.SymFromDense(m), false); !ok {
		return preconditionf("%s eigendecomposition failed", name)
	}
	values := eig.Values(nil)
	scale := 1.0
	for _, v := range values {
		if v > scale {
			scale = v
		}
	}
	for _, v := range values {
		if v < -psdTol*scale {
			return preconditionf("%s is not positive semi-definite (eigenvalue %g)", name, v)
		}
	}
	return nil
}

// Dense converts a row-major nested slice to a gonum matrix. The data is
// copied, so the result can be modified freely.
func Dense(rows [][]float64) *mat.Dense {
	r := len(rows)
	if r == 0 {
		return &mat.Dense{}
	}
	c := len(rows[0])
	data := make([]float64, 0, r*c)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data)
}

// Rows converts a gonum matrix to a row-major nested slice.
func Rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([]float64, c)
		mat.Row(out[i], i, m)
	}
	return out
}
