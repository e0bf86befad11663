package main

import (
	"os"

	"github.com/n0madic/go-density-bench/crosscheck"
	"github.com/n0madic/go-density-bench/internal/cli"
)

type options struct {
	cli.Options
	Tolerance float64 `long:"log10-tol" default:"-6" description:"largest accepted log10 disagreement"`
}

func main() {
	var opts options
	cli.Parse(&opts)
	run := cli.Start("crosscheck", opts.Options)
	defer run.Finish()
	cfg := run.Config

	h, err := crosscheck.New(
		crosscheck.WithN(cfg.Crosscheck.N),
		crosscheck.WithSeed(cfg.Crosscheck.Seed),
		crosscheck.WithLogger(run.Logger),
		crosscheck.WithMetrics(run.Metrics),
	)
	if err != nil {
		run.Logger.WithError(err).Fatal("could not create harness")
	}
	reports, err := h.CheckDir(cfg.Phase2.OutputPath)
	if err != nil {
		run.Logger.WithError(err).Error("cross-check stopped")
		run.Finish()
		os.Exit(1)
	}

	bad := 0
	for _, rep := range reports {
		if !rep.OK(opts.Tolerance) {
			bad++
			run.Logger.WithField("file", rep.File).
				WithField("err1", rep.Err1).
				WithField("err2", rep.Err2).
				Warn("evaluators disagree")
		}
	}
	run.Logger.WithField("records", len(reports)).WithField("disagreeing", bad).Info("done")
	if bad > 0 {
		run.Finish()
		os.Exit(2)
	}
}
