package main

import (
	"os"
	"sort"

	"github.com/n0madic/go-density-bench/ess"
	"github.com/n0madic/go-density-bench/internal/cli"
)

type options struct {
	cli.Options
	Perf   string  `long:"perf" required:"true" description:"performance table CSV"`
	Ref    float64 `long:"ref" default:"1" description:"reference constant of the real ESS"`
	Metric string  `long:"metric" default:"mean" description:"error metric column"`
	Pooled bool    `long:"pooled" description:"compare against the pooled metric"`
}

func main() {
	var opts options
	cli.Parse(&opts)
	run := cli.Start("ess", opts.Options)
	defer run.Finish()

	f, err := os.Open(opts.Perf)
	if err != nil {
		run.Logger.WithError(err).Fatal("could not open performance table")
	}
	rows, err := ess.ReadRows(f)
	f.Close()
	if err != nil {
		run.Logger.WithError(err).Fatal("could not read performance table")
	}

	for _, g := range ess.Aggregate(rows, opts.Ref) {
		run.Logger.WithField("sampler", g.Sampler).
			WithField("example", g.Example).
			WithField("ks", g.KS).
			WithField("ess", g.ESS).
			WithField("n", g.N).
			WithField("real_ess", g.RealESS).
			WithField("eff", g.Eff).
			Info("group")
	}

	bySampler := func(r ess.Row) string { return r.Sampler }
	for _, efficiency := range []bool{false, true} {
		points, err := ess.Compare(rows, bySampler, opts.Metric, opts.Pooled, efficiency)
		if err != nil {
			run.Logger.WithError(err).Fatal("could not compare")
		}
		names := make([]string, 0, len(points))
		for name := range points {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			run.Logger.WithField("sampler", name).
				WithField("efficiency", efficiency).
				WithField("points", len(points[name])).
				WithField("log_correlation", ess.Correlation(points[name])).
				Info("estimated vs real")
		}
	}
}
