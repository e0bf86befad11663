package numeric

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// Default allclose tolerances, used wherever a stored factor is checked
// against the matrix it was derived from.
const (
	RelTol = 1e-5
	AbsTol = 1e-8
)

// AllClose reports whether |a-b| <= AbsTol + RelTol*|b| elementwise.
func AllClose(a, b mat.Matrix) bool {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		return false
	}
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			if !Close(a.At(i, j), b.At(i, j)) {
				return false
			}
		}
	}
	return true
}

// Close is the scalar form of AllClose.
func Close(a, b float64) bool {
	return math.Abs(a-b) <= AbsTol+RelTol*math.Abs(b)
}

// IsUpperTriangular reports whether m is square and every entry below the
// diagonal is zero within AbsTol.
func IsUpperTriangular(m mat.Matrix) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	for i := 1; i < r; i++ {
		for j := 0; j < i; j++ {
			if math.Abs(m.At(i, j)) > AbsTol {
				return false
			}
		}
	}
	return true
}

// IsSymmetric reports whether m is square and equal to its transpose within
// the AllClose tolerances.
func IsSymmetric(m mat.Matrix) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := 0; j < i; j++ {
			if !Close(m.At(i, j), m.At(j, i)) {
				return false
			}
		}
	}
	return true
}

// SymFromDense copies the lower triangle of a square matrix into a SymDense.
func SymFromDense(d mat.Matrix) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, d.At(i, j))
		}
	}
	return sym
}

// MaxCholeskyCond is the largest condition number SafeCholesky accepts
// from the plain factorization before it retries with jitter.
const MaxCholeskyCond = 1e12

// SafeCholesky factorizes sym, retrying once with a diagonal jitter of
// 1e-8 times the mean diagonal (at least 1e-8/n) when the plain
// factorization fails or is conditioned worse than MaxCholeskyCond.
func SafeCholesky(sym mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); ok && chol.Cond() <= MaxCholeskyCond {
		return &chol, nil
	}

	n := sym.SymmetricDim()
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(sym)
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += jittered.At(i, i)
	}
	eps := 1e-8 * math.Max(trace, 1) / float64(n)
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if ok := chol.Factorize(jittered); ok {
		return &chol, nil
	}
	return nil, errors.Wrap(densitybench.ErrNumerical, "cholesky factorization failed even with jitter")
}

// IsConditionWarning reports whether err is only gonum's ill-conditioning
// warning, in which case the result of the solve is still usable.
func IsConditionWarning(err error) bool {
	var cond mat.Condition
	return errors.As(err, &cond)
}

// InverseCholeskyUpper returns U = chol(cov)^-T, the upper-triangular factor
// consumed by MVNLogDensity. No jitter is applied: a covariance that is not
// positive definite is reported as ErrNumerical.
func InverseCholeskyUpper(cov mat.Symmetric) (*mat.Dense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, errors.Wrap(densitybench.ErrNumerical, "covariance is not positive definite")
	}
	n := cov.SymmetricDim()
	var l, linv mat.TriDense
	chol.LTo(&l)
	if err := linv.InverseTri(&l); err != nil {
		return nil, errors.Wrap(densitybench.ErrNumerical, err.Error())
	}
	u := mat.NewDense(n, n, nil)
	u.Copy(linv.T())
	return u, nil
}

// CheckInverseCholesky asserts that U is upper triangular and that
// inv(U)^T · inv(U) reproduces cov.
func CheckInverseCholesky(U, cov mat.Matrix) error {
	if !IsUpperTriangular(U) {
		return errors.Wrap(densitybench.ErrPrecondition, "inverse-Cholesky factor is not upper triangular")
	}
	var cholU mat.Dense
	if err := cholU.Inverse(U); err != nil {
		return errors.Wrap(densitybench.ErrNumerical, "inverse-Cholesky factor is singular")
	}
	var rebuilt mat.Dense
	rebuilt.Mul(cholU.T(), &cholU)
	if !AllClose(&rebuilt, cov) {
		return errors.Wrap(densitybench.ErrPrecondition, "inverse-Cholesky factor does not match covariance")
	}
	return nil
}
