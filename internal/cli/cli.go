// Package cli holds the start-up and shutdown steps shared by the batch
// binaries.
package cli

import (
	"os"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/n0madic/go-density-bench/config"
	"github.com/n0madic/go-density-bench/monitoring"
)

// Options are the flags every binary accepts. Binaries embed it in their
// own options struct.
type Options struct {
	Config  string `long:"config" short:"c" description:"path to the YAML config file" required:"true"`
	Verbose bool   `long:"verbose" short:"v" description:"log at debug level"`
	JSONLog bool   `long:"json-log" description:"log as JSON"`
}

// Parse fills options from the command line and exits on --help or a
// parse error.
func Parse(options interface{}) {
	parser := flags.NewParser(options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// Run is the state of one binary invocation.
type Run struct {
	Config  config.Config
	Logger  *logrus.Entry
	Metrics *monitoring.Metrics
}

// Start loads the config and builds a logger tagged with the binary name
// and a fresh run id. It exits if the config cannot be loaded.
func Start(binary string, opts Options) *Run {
	logger := logrus.New()
	if opts.JSONLog {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	entry := logger.WithFields(logrus.Fields{
		"binary": binary,
		"run_id": uuid.New().String(),
	})

	cfg, err := config.Load(opts.Config)
	if err != nil {
		entry.WithError(err).WithField("config_file_path", opts.Config).Fatal("could not load config")
	}
	return &Run{Config: cfg, Logger: entry, Metrics: monitoring.NewMetrics(nil)}
}

// Finish dumps the metrics when a textfile is configured.
func (r *Run) Finish() {
	path := r.Config.Metrics.Textfile
	if path == "" {
		return
	}
	if err := r.Metrics.WriteTextfile(path); err != nil {
		r.Logger.WithError(err).WithField("textfile", path).Error("could not write metrics")
		return
	}
	r.Logger.WithField("textfile", path).Debug("wrote metrics")
}

// Jobs resolves the worker count, exiting on an invalid compute section.
func (r *Run) Jobs() int {
	n, err := r.Config.Compute.Jobs()
	if err != nil {
		r.Logger.WithError(err).Fatal("invalid compute section")
	}
	return n
}
