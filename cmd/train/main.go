package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/n0madic/go-density-bench/internal/cli"
	"github.com/n0madic/go-density-bench/pipeline"
)

type options struct {
	cli.Options
	Models []string `long:"model" description:"train only this model, repeatable"`
}

func main() {
	var opts options
	cli.Parse(&opts)
	run := cli.Start("train", opts.Options)
	defer run.Finish()
	cfg := run.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := os.MkdirAll(cfg.Phase2.OutputPath, 0o755); err != nil {
		run.Logger.WithError(err).Fatal("could not create output folder")
	}

	trainer := &pipeline.Trainer{
		InputDir:          cfg.Phase1.OutputPath,
		OutputDir:         cfg.Phase2.OutputPath,
		CSVExt:            cfg.Common.CSVExt,
		RecordExt:         cfg.Common.PklExt,
		SizeLimit:         cfg.Phase2.SizeLimitBytes,
		TrainFrac:         cfg.Phase2.TrainFrac,
		DropRedundantCols: cfg.Phase2.DropRedundantCols,
		MaxScaleEpsilon:   cfg.Phase2.MaxScaleEpsilon,
		Models:            opts.Models,
		Seed:              cfg.Phase1.Seed,
		Jobs:              run.Jobs(),
		Logger:            run.Logger,
		Metrics:           run.Metrics,
	}
	summary, err := trainer.Run(ctx)
	log := run.Logger.WithField("done", summary.Done).
		WithField("skipped", summary.Skipped).
		WithField("failed", summary.Failed)
	if err != nil {
		log.WithError(err).Error("training stopped")
		run.Finish()
		os.Exit(1)
	}
	log.Info("training finished")
}
