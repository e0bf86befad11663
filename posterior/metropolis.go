package posterior

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	densitybench "github.com/n0madic/go-density-bench"
)

const (
	targetAcceptance = 0.234
	adaptEvery       = 50
)

// rwm is an adaptive random-walk Metropolis sampler with an isotropic
// Gaussian proposal. The step size is tuned during warm-up towards the
// optimal acceptance rate and frozen afterwards.
type rwm struct {
	logp   func(theta []float64) float64
	output func(theta, dst []float64) // kept columns of a state
	names  []string
	step   float64
}

func (m rwm) run(ctx context.Context, rng *rand.Rand, init []float64, opts Options, log logrus.FieldLogger) (*Samples, error) {
	theta := append([]float64(nil), init...)
	lp := m.logp(theta)
	if math.IsNaN(lp) || math.IsInf(lp, 1) || math.IsInf(lp, -1) {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "initial state has log density %g", lp)
	}
	proposal := make([]float64, len(theta))
	out := make([]float64, len(m.names))
	tr := newTrace(m.names, opts.NumSamples)

	step := m.step
	accepted, window, kept := 0, 0, 0
	for iter := 0; iter < opts.Tune+opts.NumSamples; iter++ {
		if err := canceled(ctx, iter); err != nil {
			return nil, err
		}
		for i := range theta {
			proposal[i] = theta[i] + step*rng.NormFloat64()
		}
		lpNew := m.logp(proposal)
		if !math.IsNaN(lpNew) && math.Log(rng.Float64()) < lpNew-lp {
			theta, proposal = proposal, theta
			lp = lpNew
			window++
			if iter >= opts.Tune {
				accepted++
			}
		}
		if iter < opts.Tune && (iter+1)%adaptEvery == 0 {
			rate := float64(window) / adaptEvery
			step *= math.Exp(rate - targetAcceptance)
			window = 0
		}
		if iter >= opts.Tune {
			m.output(theta, out)
			tr.add(out)
			kept++
		}
	}
	log.WithFields(logrus.Fields{
		"action":     "sample_posterior",
		"acceptance": float64(accepted) / float64(kept),
		"step":       step,
	}).Debug("metropolis finished")
	return tr.samples(), nil
}
