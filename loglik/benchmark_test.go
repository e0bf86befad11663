package loglik_test

import (
	"math/rand"
	"testing"

	"github.com/n0madic/go-density-bench/loglik"
	"github.com/n0madic/go-density-bench/params/paramstest"
)

func BenchmarkMixture(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	p := paramstest.Mixture(rng, 8, 10)
	X := paramstest.Data(rng, 1000, 10, 1)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := loglik.Mixture(X, p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAutoregressiveMixture(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	p := paramstest.AutoregressiveMixture(rng, 10, 50, 2, 5, 4)
	X := paramstest.Data(rng, 1000, 10, 1)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := loglik.AutoregressiveMixture(X, p); err != nil {
			b.Fatal(err)
		}
	}
}
