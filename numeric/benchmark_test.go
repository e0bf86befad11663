package numeric

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// BenchmarkMVNLogDensity measures the batched inverse-Cholesky path.
func BenchmarkMVNLogDensity(b *testing.B) {
	const (
		d = 20
		n = 1000
	)
	rng := rand.New(rand.NewSource(123))
	cov := randomSPD(rng, d)
	U, err := InverseCholeskyUpper(cov)
	if err != nil {
		b.Fatalf("InverseCholeskyUpper failed: %v", err)
	}
	X := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}
	mean := make([]float64, d)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := MVNLogDensity(X, mean, U); err != nil {
			b.Fatalf("MVNLogDensity failed: %v", err)
		}
	}
}
