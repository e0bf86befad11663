package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/fit"
	"github.com/n0madic/go-density-bench/moments"
	"github.com/n0madic/go-density-bench/monitoring"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/store"
)

// Trainer fits every benchmark model on every chain of InputDir and
// persists one params record per (chain, model) in OutputDir.
type Trainer struct {
	InputDir  string
	OutputDir string
	CSVExt    string
	RecordExt string
	SizeLimit int64 // bytes, negative for no limit
	TrainFrac float64

	DropRedundantCols bool
	MaxScaleEpsilon   float64

	Models  []string                // default fit.Names()
	Options map[string][]fit.Option // per model
	Seed    int64
	Jobs    int

	Logger  logrus.FieldLogger
	Metrics *monitoring.Metrics
}

// Run trains on every chain. A failed fit is logged and counted; only a
// canceled ctx or an unreadable input folder stops the batch.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	if !(t.TrainFrac >= 0 && t.TrainFrac <= 1) {
		return Summary{}, errors.Wrapf(densitybench.ErrPrecondition, "train fraction %v outside [0, 1]", t.TrainFrac)
	}
	chains, err := store.ListChains(t.InputDir, t.CSVExt, t.SizeLimit)
	if err != nil {
		return Summary{}, err
	}
	models := t.Models
	if len(models) == 0 {
		models = fit.Names()
	}
	logger := t.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{"action": "train_benchmarks", "chains": len(chains)}).Info("found chains")

	summaries := make([]Summary, len(chains))
	eg := &errgroup.Group{}
	eg.SetLimit(max(t.Jobs, 1))
	for i, chain := range chains {
		log := logger.WithFields(logrus.Fields{"action": "train_benchmarks", "chain": chain})
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			summaries[i] = t.trainChain(ctx, chain, models, log)
			return ctx.Err()
		})
	}
	err = eg.Wait()
	var total Summary
	for _, s := range summaries {
		total.Done += s.Done
		total.Skipped += s.Skipped
		total.Failed += s.Failed
	}
	return total, err
}

func (t *Trainer) trainChain(ctx context.Context, chain string, models []string, log logrus.FieldLogger) Summary {
	var summary Summary
	var X *mat.Dense
	for _, model := range models {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		status := t.trainOne(chain, model, &X, log.WithField("model", model))
		t.Metrics.Task(PhaseTrain, status, time.Since(start))
		summary.add(status)
	}
	return summary
}

// trainOne fits model on the chain, loading the training rows into *X on
// first use.
func (t *Trainer) trainOne(chain, model string, X **mat.Dense, log logrus.FieldLogger) string {
	name, err := store.BuildOutputName(chain, model, t.RecordExt)
	if err != nil {
		log.WithError(err).Error("bad output name")
		return monitoring.StatusFailed
	}
	path := filepath.Join(t.OutputDir, name)
	if store.RecordExists(path) {
		log.WithField("file", path).Info("record already exists, skipping")
		return monitoring.StatusSkipped
	}
	if *X == nil {
		train, err := t.loadTrain(chain, log)
		if err != nil {
			log.WithError(err).Error("loading chain failed")
			return monitoring.StatusFailed
		}
		*X = train
	}

	opts := append([]fit.Option{
		fit.WithLogger(log),
		fit.WithSeed(taskSeed(t.Seed, chain)),
	}, t.Options[model]...)
	e, err := fit.New(model, opts...)
	if err != nil {
		log.WithError(err).Error("constructing estimator failed")
		return monitoring.StatusFailed
	}
	if err := e.Fit(*X); err != nil {
		entry := log.WithError(err)
		if errors.Is(err, densitybench.ErrTrainingFailed) {
			entry.Warn("training failed")
		} else {
			entry.Error("fit failed")
		}
		return monitoring.StatusFailed
	}
	p, err := e.Params()
	if err != nil {
		log.WithError(err).Error("params unavailable")
		return monitoring.StatusFailed
	}
	rec := params.Record{ModelName: model, Dim: p.Dim(), Params: p}
	if err := store.SaveRecord(path, rec); err != nil {
		log.WithError(err).Error("saving record failed")
		return monitoring.StatusFailed
	}
	log.WithField("file", path).Info("saved record")
	return monitoring.StatusDone
}

// loadTrain reads the chain and keeps its leading TrainFrac rows, minus the
// near-constant columns when DropRedundantCols is set.
func (t *Trainer) loadTrain(chain string, log logrus.FieldLogger) (*mat.Dense, error) {
	X, err := store.LoadChainCSV(t.InputDir, chain, t.CSVExt)
	if err != nil {
		return nil, err
	}
	n, d := X.Dims()
	nTrain := int(t.TrainFrac * float64(n))
	if nTrain < 1 {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "train fraction %v of %d rows leaves no data", t.TrainFrac, n)
	}
	train := X.Slice(0, nTrain, 0, d).(*mat.Dense)

	if t.DropRedundantCols {
		var keep []int
		col := make([]float64, nTrain)
		for j := 0; j < d; j++ {
			mat.Col(col, j, train)
			if stat.StdDev(col, nil) > t.MaxScaleEpsilon {
				keep = append(keep, j)
			}
		}
		if len(keep) == 0 {
			return nil, errors.Wrapf(densitybench.ErrPrecondition, "every column of %s is constant", chain)
		}
		if len(keep) < d {
			log.WithField("dropped", d-len(keep)).Info("dropped redundant columns")
			reduced := mat.NewDense(nTrain, len(keep), nil)
			for k, j := range keep {
				mat.Col(col, j, train)
				reduced.SetCol(k, col)
			}
			train = reduced
		}
	}

	m, err := moments.Report(train)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"n":               m.N,
		"d":               m.D,
		"finite":          m.Finite,
		"accept_valid":    m.AcceptValid,
		"accept_rate":     m.AcceptRate,
		"log10_std_ratio": m.Log10StdRatio,
		"log10_cond":      m.Log10Cond,
	}).Info("chain moments")
	return train, nil
}
