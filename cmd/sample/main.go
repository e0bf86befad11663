package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/n0madic/go-density-bench/internal/cli"
	"github.com/n0madic/go-density-bench/pipeline"
	"github.com/n0madic/go-density-bench/posterior"
	"github.com/n0madic/go-density-bench/store"
)

type options struct {
	cli.Options
	Task string `long:"task" default:"regression" description:"sampling task"`
}

func main() {
	var opts options
	cli.Parse(&opts)
	run := cli.Start("sample", opts.Options)
	defer run.Finish()
	cfg := run.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	repo := store.Repo{Root: cfg.Phase1.DataPath}
	// Every dataset is stored in all variants; the first lists them.
	ids, err := repo.DatasetIDs(store.PreprocessOneHot)
	if err != nil {
		run.Logger.WithError(err).Fatal("could not list datasets")
	}
	if err := os.MkdirAll(cfg.Phase1.OutputPath, 0o755); err != nil {
		run.Logger.WithError(err).Fatal("could not create chain folder")
	}

	postOpts := posterior.DefaultOptions()
	postOpts.NumSamples = cfg.Phase1.NumSamples
	postOpts.Tune = cfg.Phase1.Tune
	postOpts.Seed = cfg.Phase1.Seed

	sampler := &pipeline.Sampler{
		Repo:     repo,
		Selector: pipeline.Selector{Seed: cfg.Phase1.Seed, Count: cfg.Phase1.ModelsPerDataset},
		Jobs:     run.Jobs(),
		Options:  postOpts,
		ChainDir: cfg.Phase1.OutputPath,
		CSVExt:   cfg.Common.CSVExt,
		Logger:   run.Logger,
		Metrics:  run.Metrics,
	}
	summary, err := sampler.Run(ctx, ids, opts.Task)
	log := run.Logger.WithField("done", summary.Done).
		WithField("skipped", summary.Skipped).
		WithField("failed", summary.Failed)
	if err != nil {
		log.WithError(err).Error("sampling stopped")
		run.Finish()
		os.Exit(1)
	}
	log.Info("sampling finished")
}
