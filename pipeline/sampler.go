package pipeline

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/ess"
	"github.com/n0madic/go-density-bench/monitoring"
	"github.com/n0madic/go-density-bench/posterior"
	"github.com/n0madic/go-density-bench/store"
)

// Phase labels used in logs and metrics.
const (
	PhaseSample = "sample"
	PhaseTrain  = "train"
)

// TaskRegression is the only supported phase 1 task.
const TaskRegression = "regression"

// Summary counts the outcomes of a batch.
type Summary struct {
	Done    int
	Skipped int
	Failed  int
}

func (s *Summary) add(status string) {
	switch status {
	case monitoring.StatusDone:
		s.Done++
	case monitoring.StatusSkipped:
		s.Skipped++
	case monitoring.StatusFailed:
		s.Failed++
	}
}

// Sampler draws posterior samples for every selected (dataset, model) pair
// and stores them in Repo. When ChainDir is set each run is also exported
// as a chain CSV with a diagnostics entry, the input of phase 2.
type Sampler struct {
	Repo     store.Repo
	Selector Selector
	Jobs     int
	Options  posterior.Options
	Models   map[string]posterior.Sampler // default posterior.RegressionModels
	ChainDir string
	CSVExt   string
	Logger   logrus.FieldLogger
	Metrics  *monitoring.Metrics

	lock    sync.Mutex
	summary Summary
}

func (s *Sampler) lockGuard(mutate func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	mutate()
}

// Run samples the datasets ids. Task failures are logged and counted but
// never stop the batch; only a canceled ctx does.
func (s *Sampler) Run(ctx context.Context, ids []string, task string) (Summary, error) {
	if task != TaskRegression {
		return Summary{}, errors.Wrapf(densitybench.ErrPrecondition, "invalid task %q", task)
	}
	models := s.Models
	if models == nil {
		models = posterior.RegressionModels
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s.summary = Summary{}
	eg := &errgroup.Group{}
	eg.SetLimit(max(s.Jobs, 1))
	for i, id := range s.Selector.Shuffle(ids) {
		pre := PreprocessFor(i)
		for _, model := range s.Selector.Models(id, names) {
			sampler := models[model]
			log := logger.WithFields(logrus.Fields{
				"action":     "sample_posterior",
				"dataset":    id,
				"model":      model,
				"preprocess": pre,
			})
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				status, err := s.sampleOne(ctx, id, model, pre, sampler, log)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.WithError(err).Error("sampling failed")
				}
				s.Metrics.Task(PhaseSample, status, time.Since(start))
				s.lockGuard(func() { s.summary.add(status) })
				return nil
			})
		}
	}
	err := eg.Wait()
	return s.summary, err
}

func (s *Sampler) sampleOne(ctx context.Context, id, model string, pre store.Preprocess,
	sampler posterior.Sampler, log logrus.FieldLogger,
) (string, error) {
	if s.Repo.SamplesExist(model, id) {
		log.Info("samples file already exists, skipping")
		return monitoring.StatusSkipped, nil
	}
	d, err := s.Repo.ReadDataset(id, pre)
	if err != nil {
		return monitoring.StatusFailed, err
	}
	opts := s.Options
	opts.NumNonCategorical = d.NumNonCategorical()
	opts.Seed = taskSeed(s.Options.Seed, id+"_"+model)
	opts.Logger = log

	X := d.Matrix()
	if err := posterior.CheckInputs(X, d.Y, opts); err != nil {
		return monitoring.StatusFailed, err
	}

	log.Info("starting sampling")
	samples, err := sampler(ctx, X, d.Y, opts)
	if err != nil {
		return monitoring.StatusFailed, err
	}
	if samples == nil || samples.Len() == 0 {
		return monitoring.StatusFailed, errors.Wrap(densitybench.ErrPrecondition, "sampler returned no draws")
	}
	if err := s.Repo.WriteSamples(*samples, model, id, false); err != nil {
		return monitoring.StatusFailed, err
	}
	if s.ChainDir != "" {
		if err := s.exportChain(id+"_"+model, samples); err != nil {
			return monitoring.StatusFailed, err
		}
	}
	log.WithField("draws", samples.Len()).Info("finished sampling")
	return monitoring.StatusDone, nil
}

// exportChain writes the draws as a chain CSV and appends their
// effective sample sizes to the diagnostics stream.
func (s *Sampler) exportChain(name string, samples *posterior.Samples) error {
	chain := samples.Matrix()
	if chain == nil {
		return errors.Wrapf(densitybench.ErrPrecondition, "no draws for %s", name)
	}
	ext := s.CSVExt
	if ext == "" {
		ext = ".csv"
	}
	if err := store.WriteChainCSV(s.ChainDir, name, ext, chain); err != nil {
		return err
	}
	diag := store.ChainDiagnostic{Name: name, ESS: map[string]float64{}, N: samples.Len()}
	for j, col := range samples.Values {
		v, err := ess.EffectiveSampleSize(col)
		if err != nil {
			continue
		}
		diag.ESS[samples.Names[j]] = v
	}
	var err error
	s.lockGuard(func() {
		err = store.AppendDiagnostic(filepath.Join(s.ChainDir, store.DiagnosticsFile), diag)
	})
	return err
}
