package fit_test

import (
	"math/rand"
	"testing"

	"github.com/n0madic/go-density-bench/fit"
)

func BenchmarkGaussianMixtureFit(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	X := twoClusters(rng, 1000)
	e, err := fit.NewGaussianMixture(fit.WithComponents(2), fit.WithLogger(quietLogger()))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := e.Fit(X); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRNADEScoreSamples(b *testing.B) {
	rng := rand.New(rand.NewSource(2))
	X := twoClusters(rng, 200)
	e, err := fit.NewRNADE(smallOptions()[fit.ModelRNADE]...)
	if err != nil {
		b.Fatal(err)
	}
	if err := e.Fit(X); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := e.ScoreSamples(X); err != nil {
			b.Fatal(err)
		}
	}
}
