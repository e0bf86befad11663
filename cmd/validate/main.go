package main

import (
	"github.com/sirupsen/logrus"

	"github.com/n0madic/go-density-bench/internal/cli"
	"github.com/n0madic/go-density-bench/moments"
	"github.com/n0madic/go-density-bench/store"
)

type options struct {
	cli.Options
	BurnIn float64 `long:"burn-in" default:"0.05" description:"fraction of leading draws dropped for the second report"`
}

func fields(prefix string, m moments.Moments) logrus.Fields {
	return logrus.Fields{
		prefix + "finite":          m.Finite,
		prefix + "accept_valid":    m.AcceptValid,
		prefix + "accept_rate":     m.AcceptRate,
		prefix + "log10_std_ratio": m.Log10StdRatio,
		prefix + "log10_cond":      m.Log10Cond,
		prefix + "min_corr":        m.MinCorr,
		prefix + "max_corr":        m.MaxCorr,
		prefix + "max_abs_skew":    m.MaxAbsSkew,
		prefix + "max_kurtosis":    m.MaxKurtosis,
	}
}

func main() {
	var opts options
	cli.Parse(&opts)
	run := cli.Start("validate", opts.Options)
	defer run.Finish()
	cfg := run.Config

	chains, err := store.ListChains(cfg.Phase1.OutputPath, cfg.Common.CSVExt, cfg.Phase2.SizeLimitBytes)
	if err != nil {
		run.Logger.WithError(err).Fatal("could not list chains")
	}
	for _, chain := range chains {
		log := run.Logger.WithField("chain", chain)
		X, err := store.LoadChainCSV(cfg.Phase1.OutputPath, chain, cfg.Common.CSVExt)
		if err != nil {
			log.WithError(err).Error("could not load chain")
			continue
		}
		full, post, err := moments.ReportWithBurnIn(X, opts.BurnIn)
		if err != nil {
			log.WithError(err).Error("could not summarize chain")
			continue
		}
		log.WithField("n", full.N).WithField("d", full.D).
			WithFields(fields("", full)).
			WithFields(fields("post_", post)).
			Info("chain moments")
	}
}
