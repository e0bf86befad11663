package crosscheck_test

import (
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/crosscheck"
	"github.com/n0madic/go-density-bench/fit"
	"github.com/n0madic/go-density-bench/monitoring"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/params/paramstest"
	"github.com/n0madic/go-density-bench/store"
	"github.com/n0madic/go-density-bench/synth"
)

const log10Tol = -6

func sampleRecords(rng *rand.Rand) []params.Record {
	return []params.Record{
		{ModelName: fit.ModelGaussian, Dim: 3, Params: paramstest.Gaussian(rng, 3)},
		{ModelName: fit.ModelMoG, Dim: 2, Params: paramstest.Mixture(rng, 3, 2)},
		{ModelName: fit.ModelVBMoG, Dim: 2, Params: paramstest.Mixture(rng, 2, 2)},
		{ModelName: fit.ModelIGN, Dim: 3, Params: paramstest.InvertibleNetwork(rng, 3, 2, params.BaseGaussian)},
		{ModelName: fit.ModelIGN, Dim: 2, Params: paramstest.InvertibleNetwork(rng, 2, 2, params.BaseStudentT)},
		{ModelName: fit.ModelRNADE, Dim: 3, Params: paramstest.AutoregressiveMixture(rng, 3, 5, 2, 3, 2)},
	}
}

func TestCheckRecordAgrees(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logger, hook := test.NewNullLogger()
	m := monitoring.NewMetrics(nil)
	h, err := crosscheck.New(crosscheck.WithLogger(logger), crosscheck.WithMetrics(m), crosscheck.WithN(15))
	require.NoError(t, err)

	for _, rec := range sampleRecords(rng) {
		rep, err := h.CheckRecord("mem", rec)
		require.NoError(t, err, rec.ModelName)
		assert.Equal(t, 15, rep.N)
		assert.Equal(t, rec.Dim, rep.Dim)
		assert.True(t, rep.OK(log10Tol), "%s: %+v", rec.ModelName, rep)
		assert.False(t, rep.HasErr3)
	}
	assert.Len(t, hook.AllEntries(), 2*len(sampleRecords(rng)))
	assert.LessOrEqual(t, testutil.ToFloat64(m.CrosscheckLog10Error.WithLabelValues(fit.ModelRNADE, crosscheck.CompareGraph)), float64(log10Tol))
}

func TestCheckDir(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	dir := t.TempDir()
	var want []string
	for i, rec := range sampleRecords(rng) {
		name, err := store.BuildOutputName(string(rune('a'+i))+"chain", rec.ModelName, ".gob")
		require.NoError(t, err)
		require.NoError(t, store.SaveRecord(filepath.Join(dir, name), rec))
		want = append(want, name)
	}
	sort.Strings(want)

	logger, _ := test.NewNullLogger()
	h, err := crosscheck.New(crosscheck.WithLogger(logger))
	require.NoError(t, err)
	reports, err := h.CheckDir(dir)
	require.NoError(t, err)
	require.Len(t, reports, len(want))
	for i, rep := range reports {
		assert.Equal(t, want[i], rep.File)
		assert.Equal(t, 10, rep.N)
		assert.True(t, rep.OK(log10Tol), "%+v", rep)
	}
}

func TestCheckDirDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	dir := t.TempDir()
	for i, rec := range sampleRecords(rng)[:3] {
		require.NoError(t, store.SaveRecord(filepath.Join(dir, string(rune('a'+i))+".gob"), rec))
	}
	run := func() []crosscheck.Report {
		logger, _ := test.NewNullLogger()
		h, err := crosscheck.New(crosscheck.WithLogger(logger), crosscheck.WithSeed(99))
		require.NoError(t, err)
		reports, err := h.CheckDir(dir)
		require.NoError(t, err)
		return reports
	}
	assert.Equal(t, run(), run())
}

func TestCheckEstimator(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	X := paramstest.Data(rng, 200, 2, 2)
	e, err := fit.New(fit.ModelMoG, fit.WithComponents(2))
	require.NoError(t, err)
	require.NoError(t, e.Fit(X))
	p, err := e.Params()
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	h, err := crosscheck.New(crosscheck.WithLogger(logger))
	require.NoError(t, err)
	rep, err := h.CheckEstimator("mog", params.Record{ModelName: fit.ModelMoG, Dim: 2, Params: p}, e)
	require.NoError(t, err)
	assert.True(t, rep.HasErr3)
	assert.True(t, rep.OK(log10Tol), "%+v", rep)
}

func TestReportOK(t *testing.T) {
	tests := []struct {
		name string
		rep  crosscheck.Report
		want bool
	}{
		{"exact", crosscheck.Report{Err1: math.Inf(-1), Err2: math.Inf(-1)}, true},
		{"within", crosscheck.Report{Err1: -12, Err2: -9}, true},
		{"graph off", crosscheck.Report{Err1: -12, Err2: -3}, false},
		{"estimator ignored", crosscheck.Report{Err1: -12, Err2: -12, Err3: 0}, true},
		{"estimator off", crosscheck.Report{Err1: -12, Err2: -12, Err3: 0, HasErr3: true}, false},
		{"nan", crosscheck.Report{Err1: math.NaN(), Err2: -12}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rep.OK(-6))
		})
	}
}

func TestHarnessErrors(t *testing.T) {
	_, err := crosscheck.New(crosscheck.WithN(0))
	assert.ErrorIs(t, err, densitybench.ErrPrecondition)

	rng := rand.New(rand.NewSource(5))
	rec := params.Record{ModelName: fit.ModelGaussian, Dim: 2, Params: paramstest.Gaussian(rng, 2)}

	logger, _ := test.NewNullLogger()
	short := synth.Registry{fit.ModelGaussian: func(_ params.ModelParams, n int, _ *rand.Rand) (*mat.Dense, error) {
		return mat.NewDense(n, 3, nil), nil
	}}
	h, err := crosscheck.New(crosscheck.WithLogger(logger), crosscheck.WithGenerators(short))
	require.NoError(t, err)
	_, err = h.CheckRecord("x", rec)
	assert.ErrorIs(t, err, densitybench.ErrPrecondition)

	_, err = h.CheckRecord("x", params.Record{ModelName: "KDE", Dim: 2, Params: rec.Params})
	assert.ErrorIs(t, err, densitybench.ErrPrecondition)

	_, err = h.CheckRecord("x", params.Record{ModelName: fit.ModelGaussian, Dim: 5, Params: rec.Params})
	assert.ErrorIs(t, err, densitybench.ErrPrecondition)
}
