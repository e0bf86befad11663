package ess

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	densitybench "github.com/n0madic/go-density-bench"
)

// Row is one line of a benchmark performance table: a sampler run on an
// example with its estimated ESS and the error metrics of its estimates.
type Row struct {
	Sampler string
	Example string
	KS      float64
	ESS     float64
	N       int
	NChains int
	Metrics map[string]float64
}

// Group aggregates the rows of one (sampler, example) pair.
type Group struct {
	Sampler string
	Example string
	KS      float64 // mean
	ESS     float64 // median
	N       int     // max
	RealESS float64 // ref / KS
	Eff     float64 // RealESS / N
}

// Aggregate groups rows by (sampler, example), sorted by sampler then
// example.
func Aggregate(rows []Row, ref float64) []Group {
	type key struct{ sampler, example string }
	byKey := map[key][]Row{}
	for _, r := range rows {
		k := key{r.Sampler, r.Example}
		byKey[k] = append(byKey[k], r)
	}
	groups := make([]Group, 0, len(byKey))
	for k, rs := range byKey {
		ks := make([]float64, len(rs))
		ess := make([]float64, len(rs))
		n := 0
		for i, r := range rs {
			ks[i], ess[i] = r.KS, r.ESS
			if r.N > n {
				n = r.N
			}
		}
		sort.Float64s(ess)
		g := Group{
			Sampler: k.sampler,
			Example: k.example,
			KS:      stat.Mean(ks, nil),
			ESS:     median(ess),
			N:       n,
		}
		g.RealESS = ref / g.KS
		g.Eff = g.RealESS / float64(g.N)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Sampler != groups[j].Sampler {
			return groups[i].Sampler < groups[j].Sampler
		}
		return groups[i].Example < groups[j].Example
	})
	return groups
}

// median of sorted values, averaging the middle pair for even lengths.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Point pairs an estimated with a real effective sample size or
// efficiency.
type Point struct {
	Estimated float64
	Real      float64
}

// Compare returns, per group name, the (estimated, real) ESS points of the
// rows: real = 1/metric, estimated = ESS when pooled and ESS/n_chains
// otherwise. The pooled metric column is metric+"_pooled". With efficiency
// set both values are divided by N.
func Compare(rows []Row, groupBy func(Row) string, metric string, pooled, efficiency bool) (map[string][]Point, error) {
	if pooled {
		metric += "_pooled"
	}
	out := map[string][]Point{}
	for i, r := range rows {
		v, ok := r.Metrics[metric]
		if !ok {
			return nil, errors.Wrapf(densitybench.ErrPrecondition, "row %d has no metric %q", i, metric)
		}
		p := Point{Estimated: r.ESS, Real: 1 / v}
		if !pooled {
			if r.NChains < 1 {
				return nil, errors.Wrapf(densitybench.ErrPrecondition, "row %d has %d chains", i, r.NChains)
			}
			p.Estimated /= float64(r.NChains)
		}
		if efficiency {
			p.Estimated /= float64(r.N)
			p.Real /= float64(r.N)
		}
		name := groupBy(r)
		out[name] = append(out[name], p)
	}
	return out, nil
}

// Correlation is the Pearson correlation of log estimated and log real
// values, a summary of how well the estimates track reality.
func Correlation(points []Point) float64 {
	est := make([]float64, 0, len(points))
	observed := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Estimated > 0 && p.Real > 0 {
			est = append(est, p.Estimated)
			observed = append(observed, p.Real)
		}
	}
	if len(est) < 2 {
		return 0
	}
	for i := range est {
		est[i], observed[i] = math.Log(est[i]), math.Log(observed[i])
	}
	return stat.Correlation(est, observed, nil)
}

// Core columns of a performance table. Every other column is a metric.
const (
	colSampler = "sampler"
	colExample = "example"
	colKS      = "ks"
	colESS     = "ESS"
	colN       = "N"
	colNChains = "n_chains"
)

// ReadRows parses a performance table with a header line.
func ReadRows(r io.Reader) ([]Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "parse performance table: %v", err)
	}
	if len(records) == 0 {
		return nil, errors.Wrap(densitybench.ErrPrecondition, "performance table has no header")
	}
	header := records[0]
	index := map[string]int{}
	for i, h := range header {
		index[h] = i
	}
	for _, c := range []string{colSampler, colExample, colESS, colN} {
		if _, ok := index[c]; !ok {
			return nil, errors.Wrapf(densitybench.ErrPrecondition, "performance table has no %q column", c)
		}
	}

	rows := make([]Row, 0, len(records)-1)
	for line, rec := range records[1:] {
		row := Row{NChains: 1, Metrics: map[string]float64{}}
		for i, field := range rec {
			name := header[i]
			switch name {
			case colSampler:
				row.Sampler = field
				continue
			case colExample:
				row.Example = field
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(densitybench.ErrPrecondition, "line %d column %s: %v", line+2, name, err)
			}
			switch name {
			case colKS:
				row.KS = v
			case colESS:
				row.ESS = v
			case colN:
				row.N = int(v)
			case colNChains:
				row.NChains = int(v)
			default:
				row.Metrics[name] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
