package pipeline

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/fit"
	"github.com/n0madic/go-density-bench/monitoring"
	"github.com/n0madic/go-density-bench/posterior"
	"github.com/n0madic/go-density-bench/store"
)

func TestSelectorShuffle(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4", "d5", "d6"}
	s := Selector{Seed: 12, Count: 1}

	first := s.Shuffle(ids)
	assert.Equal(t, first, s.Shuffle(ids))
	assert.ElementsMatch(t, ids, first)
	assert.Equal(t, []string{"d1", "d2", "d3", "d4", "d5", "d6"}, ids, "input untouched")
}

func TestSelectorModels(t *testing.T) {
	names := []string{"m1", "m2", "m3", "m4", "m5"}
	reversed := []string{"m5", "m4", "m3", "m2", "m1"}
	s := Selector{Seed: 12, Count: 2}

	got := s.Models("dataset", names)
	require.Len(t, got, 2)
	assert.Equal(t, got, s.Models("dataset", reversed), "independent of input order")
	assert.Equal(t, got, s.Models("dataset", names), "repeatable")

	seen := map[string]bool{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[s.Models(id, names)[0]] = true
	}
	assert.Greater(t, len(seen), 1, "choice varies across datasets")

	assert.Len(t, Selector{Count: 9}.Models("x", names), 5)
	assert.Empty(t, Selector{Count: 0}.Models("x", names))
}

func TestPreprocessFor(t *testing.T) {
	tests := []struct {
		i    int
		want store.Preprocess
	}{
		{0, store.PreprocessOneHot},
		{1, store.PreprocessStandardized},
		{2, store.PreprocessRobust},
		{3, store.PreprocessWhitened},
		{4, store.PreprocessOneHot},
		{10, store.PreprocessRobust},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PreprocessFor(tt.i))
	}
}

// fakeSampler returns seeded draws of two parameters and counts its calls.
func fakeSampler(calls *int32) posterior.Sampler {
	return func(_ context.Context, X *mat.Dense, y []float64, opts posterior.Options) (*posterior.Samples, error) {
		atomic.AddInt32(calls, 1)
		rng := rand.New(rand.NewSource(opts.Seed))
		a := make([]float64, 40)
		b := make([]float64, 40)
		for i := range a {
			a[i], b[i] = rng.NormFloat64(), rng.NormFloat64()
		}
		return &posterior.Samples{Names: []string{"a", "b"}, Values: [][]float64{a, b}}, nil
	}
}

func failingSampler(context.Context, *mat.Dense, []float64, posterior.Options) (*posterior.Samples, error) {
	return nil, errors.Wrap(densitybench.ErrNumerical, "cholesky failed")
}

func writeDatasets(t *testing.T, repo store.Repo, ids []string) {
	t.Helper()
	d := store.Dataset{
		X:           [][]float64{{1, 0}, {2, 1}, {3, 0}, {4, 1}},
		Y:           []float64{1, 2, 3, 4},
		Categorical: []bool{false, true},
	}
	for _, id := range ids {
		for _, pre := range preprocessCycle {
			require.NoError(t, repo.WriteDataset(id, pre, d))
		}
	}
}

func TestSamplerRunAndSkip(t *testing.T) {
	root := t.TempDir()
	chains := t.TempDir()
	repo := store.Repo{Root: root}
	ids := []string{"ds1", "ds2", "ds3"}
	writeDatasets(t, repo, ids)

	var calls int32
	logger, hook := test.NewNullLogger()
	metrics := monitoring.NewMetrics(nil)
	s := &Sampler{
		Repo:     repo,
		Selector: Selector{Seed: 12, Count: 1},
		Jobs:     2,
		Options:  posterior.DefaultOptions(),
		Models:   map[string]posterior.Sampler{"fake_a": fakeSampler(&calls), "fake_b": fakeSampler(&calls)},
		ChainDir: chains,
		CSVExt:   ".csv",
		Logger:   logger,
		Metrics:  metrics,
	}

	summary, err := s.Run(context.Background(), ids, TaskRegression)
	require.NoError(t, err)
	assert.Equal(t, Summary{Done: 3}, summary)
	assert.Equal(t, int32(3), calls)

	written := map[string][]byte{}
	for _, id := range ids {
		model := s.Selector.Models(id, []string{"fake_a", "fake_b"})[0]
		require.True(t, repo.SamplesExist(model, id))
		path := filepath.Join(root, "samples", id+"_"+model+".msgpack")
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		written[path] = raw

		X, err := store.LoadChainCSV(chains, id+"_"+model, ".csv")
		require.NoError(t, err)
		n, d := X.Dims()
		assert.Equal(t, 40, n)
		assert.Equal(t, 2, d)
	}
	diags, err := store.ReadDiagnostics(filepath.Join(chains, store.DiagnosticsFile))
	require.NoError(t, err)
	require.Len(t, diags, 3)
	for _, d := range diags {
		assert.Equal(t, 40, d.N)
		assert.Contains(t, d.ESS, "a")
	}

	hook.Reset()
	summary, err = s.Run(context.Background(), ids, TaskRegression)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 3}, summary)
	assert.Equal(t, int32(3), calls, "sampler not invoked for existing outputs")
	for path, raw := range written {
		again, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, raw, again)
	}

	skips := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "samples file already exists, skipping" {
			skips++
		}
	}
	assert.Equal(t, 3, skips)
}

func TestSamplerFailuresDoNotStopBatch(t *testing.T) {
	repo := store.Repo{Root: t.TempDir()}
	ids := []string{"ds1", "ds2"}
	writeDatasets(t, repo, ids)

	logger, hook := test.NewNullLogger()
	s := &Sampler{
		Repo:     repo,
		Selector: Selector{Seed: 1, Count: 1},
		Options:  posterior.DefaultOptions(),
		Models:   map[string]posterior.Sampler{"broken": failingSampler},
		Logger:   logger,
	}
	summary, err := s.Run(context.Background(), append(ids, "missing"), TaskRegression)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 3}, summary)

	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 3, errorsLogged)
}

func TestSamplerRejectsTask(t *testing.T) {
	s := &Sampler{}
	_, err := s.Run(context.Background(), []string{"ds1"}, "classification")
	assert.True(t, errors.Is(err, densitybench.ErrPrecondition))
}

func TestSamplerCanceled(t *testing.T) {
	repo := store.Repo{Root: t.TempDir()}
	writeDatasets(t, repo, []string{"ds1"})
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger, _ := test.NewNullLogger()
	s := &Sampler{
		Repo:     repo,
		Selector: Selector{Count: 1},
		Models:   map[string]posterior.Sampler{"fake": fakeSampler(&calls)},
		Logger:   logger,
	}
	_, err := s.Run(ctx, []string{"ds1"}, TaskRegression)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls)
}

func writeChain(t *testing.T, dir, name string, n int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	X := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		x := rng.NormFloat64()
		X.Set(i, 0, x)
		X.Set(i, 1, 0.5*x+rng.NormFloat64())
		X.Set(i, 2, 7)
	}
	require.NoError(t, store.WriteChainCSV(dir, name, ".csv", X))
}

func newTrainer(in, out string, logger logrus.FieldLogger) *Trainer {
	return &Trainer{
		InputDir:          in,
		OutputDir:         out,
		CSVExt:            ".csv",
		RecordExt:         ".gob",
		SizeLimit:         -1,
		TrainFrac:         0.8,
		DropRedundantCols: true,
		MaxScaleEpsilon:   1e-10,
		Models:            []string{fit.ModelGaussian, fit.ModelMoG},
		Options: map[string][]fit.Option{
			fit.ModelMoG: {fit.WithComponents(2), fit.WithMaxIter(20)},
		},
		Jobs:   2,
		Logger: logger,
	}
}

func TestTrainerRunAndSkip(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeChain(t, in, "chain1", 200, 1)
	writeChain(t, in, "chain2", 150, 2)

	logger, _ := test.NewNullLogger()
	tr := newTrainer(in, out, logger)
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Done: 4}, summary)

	raw := map[string][]byte{}
	for _, chain := range []string{"chain1", "chain2"} {
		for _, model := range tr.Models {
			path := filepath.Join(out, chain+"_"+model+".gob")
			rec, err := store.LoadRecord(path)
			require.NoError(t, err)
			assert.Equal(t, model, rec.ModelName)
			assert.Equal(t, 2, rec.Dim, "constant column dropped")
			raw[path], err = os.ReadFile(path)
			require.NoError(t, err)
		}
	}

	summary, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 4}, summary)
	for path, before := range raw {
		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

func TestTrainerKeepsColumnsWithoutDrop(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	rng := rand.New(rand.NewSource(4))
	X := mat.NewDense(100, 3, nil)
	for i := 0; i < 100; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}
	require.NoError(t, store.WriteChainCSV(in, "chain", ".csv", X))

	logger, _ := test.NewNullLogger()
	tr := newTrainer(in, out, logger)
	tr.DropRedundantCols = false
	tr.Models = []string{fit.ModelGaussian}
	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Done: 1}, summary)

	rec, err := store.LoadRecord(filepath.Join(out, "chain_Gaussian.gob"))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Dim)
}

func TestTrainerSizeLimitAndFailures(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeChain(t, in, "big", 500, 1)
	require.NoError(t, store.WriteChainCSV(in, "tiny", ".csv", mat.NewDense(1, 2, []float64{1, 2})))
	info, err := os.Stat(filepath.Join(in, "tiny.csv"))
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewMetrics(nil)
	tr := newTrainer(in, out, logger)
	tr.SizeLimit = info.Size()
	tr.TrainFrac = 1
	tr.Metrics = metrics

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2}, summary, "one row chain cannot be trained, big chain filtered")

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTrainerRejectsTrainFrac(t *testing.T) {
	tr := newTrainer(t.TempDir(), t.TempDir(), nil)
	tr.TrainFrac = 1.2
	_, err := tr.Run(context.Background())
	assert.True(t, errors.Is(err, densitybench.ErrPrecondition))
}

func TestSamplerChecksInputsBeforeSampling(t *testing.T) {
	repo := store.Repo{Root: t.TempDir()}
	oneRow := store.Dataset{X: [][]float64{{1, 2}}, Y: []float64{3}}
	for _, pre := range preprocessCycle {
		require.NoError(t, repo.WriteDataset("tiny", pre, oneRow))
	}

	var calls int32
	logger, hook := test.NewNullLogger()
	s := &Sampler{
		Repo:     repo,
		Selector: Selector{Count: 1},
		Options:  posterior.DefaultOptions(),
		Models:   map[string]posterior.Sampler{"fake": fakeSampler(&calls)},
		Logger:   logger,
	}
	summary, err := s.Run(context.Background(), []string{"tiny"}, TaskRegression)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)
	assert.Equal(t, int32(0), calls, "sampler never sees an invalid design")
	assert.False(t, repo.SamplesExist("fake", "tiny"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.True(t, errors.Is(entry.Data[logrus.ErrorKey].(error), densitybench.ErrPrecondition))
}
