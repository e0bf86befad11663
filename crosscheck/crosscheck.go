// Package crosscheck triangulates the density evaluators against each other:
// for a persisted params record it samples synthetic rows from the model and
// compares the batched analytic log-density with a per-row analytic pass, a
// per-row pass through the computational graph and, optionally, the score of
// the estimator that produced the record.
package crosscheck

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/fit"
	"github.com/n0madic/go-density-bench/graph"
	"github.com/n0madic/go-density-bench/loglik"
	"github.com/n0madic/go-density-bench/monitoring"
	"github.com/n0madic/go-density-bench/params"
	"github.com/n0madic/go-density-bench/store"
	"github.com/n0madic/go-density-bench/synth"
)

// Comparison labels used in logs and metrics.
const (
	CompareRow       = "row"
	CompareGraph     = "graph"
	CompareEstimator = "estimator"
)

// Report holds the log10 largest absolute disagreement of each comparison
// with the batched analytic evaluation. Exact agreement is -Inf. Err3 is
// meaningful only when HasErr3 is set.
type Report struct {
	File  string
	Model string
	Dim   int
	N     int

	Err1    float64 // batch vs per-row analytic
	Err2    float64 // batch vs per-row graph
	Err3    float64 // batch vs estimator ScoreSamples
	HasErr3 bool
}

// OK reports whether every comparison is at or below the log10 threshold.
func (r Report) OK(log10Tol float64) bool {
	if !(r.Err1 <= log10Tol) || !(r.Err2 <= log10Tol) {
		return false
	}
	return !r.HasErr3 || r.Err3 <= log10Tol
}

// Harness samples with one RNG seeded at construction, so a run over the
// same records is reproducible. It is not safe for concurrent use.
type Harness struct {
	n          int
	rng        *rand.Rand
	logger     logrus.FieldLogger
	metrics    *monitoring.Metrics
	generators synth.Registry
}

// Option defines a functional option for configuring the Harness
type Option func(*config)

type config struct {
	n          int
	seed       int64
	logger     logrus.FieldLogger
	metrics    *monitoring.Metrics
	generators synth.Registry
}

// WithN sets the number of synthetic rows drawn per record
func WithN(n int) Option {
	return func(c *config) { c.n = n }
}

// WithSeed sets the RNG seed of the synthetic draws
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = seed }
}

// WithLogger sets the logger receiving one line per comparison
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics publishes every comparison to m
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithGenerators replaces the synthetic data generators
func WithGenerators(r synth.Registry) Option {
	return func(c *config) { c.generators = r }
}

// New creates a Harness drawing 10 rows per record with seed 8525 unless
// overridden.
func New(opts ...Option) (*Harness, error) {
	c := config{n: 10, seed: 8525}
	for _, opt := range opts {
		opt(&c)
	}
	if c.n < 1 {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "need at least one row, got %d", c.n)
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.generators == nil {
		c.generators = synth.DefaultRegistry()
	}
	return &Harness{
		n:          c.n,
		rng:        rand.New(rand.NewSource(c.seed)),
		logger:     c.logger,
		metrics:    c.metrics,
		generators: c.generators,
	}, nil
}

// CheckRecord compares the evaluators on rows sampled from rec.
func (h *Harness) CheckRecord(file string, rec params.Record) (Report, error) {
	rep, _, _, err := h.check(file, rec)
	return rep, err
}

// CheckEstimator is CheckRecord with a third comparison against the
// ScoreSamples of the fitted estimator e.
func (h *Harness) CheckEstimator(file string, rec params.Record, e fit.Estimator) (Report, error) {
	rep, X, batch, err := h.check(file, rec)
	if err != nil {
		return rep, err
	}
	scores, err := e.ScoreSamples(X)
	if err != nil {
		return rep, errors.Wrapf(err, "%s estimator scores", rep.Model)
	}
	rep.Err3, err = log10MaxAbsDiff(batch, scores)
	if err != nil {
		return rep, err
	}
	rep.HasErr3 = true
	h.publish(rep, CompareEstimator, rep.Err3)
	return rep, nil
}

func (h *Harness) check(file string, rec params.Record) (Report, *mat.Dense, []float64, error) {
	rep := Report{File: file, Model: rec.ModelName, Dim: rec.Dim, N: h.n}
	if err := rec.Validate(); err != nil {
		return rep, nil, nil, err
	}

	X, err := h.generators.Generate(rec.ModelName, rec.Params, h.n, h.rng)
	if err != nil {
		return rep, nil, nil, errors.Wrapf(err, "sample %s", rec.ModelName)
	}
	if r, c := X.Dims(); r != h.n || c != rec.Dim {
		return rep, nil, nil, errors.Wrapf(densitybench.ErrPrecondition, "generator returned %dx%d, want %dx%d", r, c, h.n, rec.Dim)
	}

	batch, err := loglik.Evaluate(X, rec.Params)
	if err != nil {
		return rep, nil, nil, errors.Wrap(err, "batch evaluation")
	}
	rows := make([]float64, h.n)
	for i := range rows {
		v, err := loglik.Evaluate(X.Slice(i, i+1, 0, rec.Dim), rec.Params)
		if err != nil {
			return rep, nil, nil, errors.Wrapf(err, "row %d evaluation", i)
		}
		rows[i] = v[0]
	}

	m, err := graph.Build(rec.Params)
	if err != nil {
		return rep, nil, nil, errors.Wrap(err, "build graph")
	}
	defer m.Close()
	viaGraph := make([]float64, h.n)
	for i := range viaGraph {
		viaGraph[i], err = m.LogDensity(X.RawRowView(i))
		if err != nil {
			return rep, nil, nil, errors.Wrapf(err, "row %d graph evaluation", i)
		}
	}

	if rep.Err1, err = log10MaxAbsDiff(batch, rows); err != nil {
		return rep, nil, nil, err
	}
	if rep.Err2, err = log10MaxAbsDiff(batch, viaGraph); err != nil {
		return rep, nil, nil, err
	}
	h.publish(rep, CompareRow, rep.Err1)
	h.publish(rep, CompareGraph, rep.Err2)
	return rep, X, batch, nil
}

func (h *Harness) publish(rep Report, comparison string, log10Err float64) {
	h.logger.WithFields(logrus.Fields{
		"action":      "crosscheck_model",
		"params_file": rep.File,
		"model":       rep.Model,
		"comparison":  comparison,
		"log10_err":   log10Err,
	}).Info("cross-check")
	h.metrics.Crosscheck(rep.Model, comparison, log10Err)
}

// CheckDir runs CheckRecord over every file in dir in sorted name order.
// A file that fails to load or check is reported as an error immediately.
func (h *Harness) CheckDir(dir string) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reports := make([]Report, 0, len(names))
	for _, name := range names {
		rec, err := store.LoadRecord(filepath.Join(dir, name))
		if err != nil {
			return reports, err
		}
		rep, err := h.CheckRecord(name, rec)
		if err != nil {
			return reports, errors.Wrapf(err, "check %s", name)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// log10MaxAbsDiff is log10 max_i |a_i - b_i|. Equal infinities agree; any
// other NaN difference is ErrNumerical.
func log10MaxAbsDiff(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(densitybench.ErrPrecondition, "comparing %d values with %d", len(a), len(b))
	}
	worst := 0.0
	for i := range a {
		d := math.Abs(a[i] - b[i])
		if math.IsNaN(d) {
			if a[i] == b[i] {
				continue
			}
			return 0, errors.Wrapf(densitybench.ErrNumerical, "value %d: %g vs %g", i, a[i], b[i])
		}
		worst = math.Max(worst, d)
	}
	return math.Log10(worst), nil
}
