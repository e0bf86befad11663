// Package config loads the YAML configuration shared by the benchmark
// binaries.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	densitybench "github.com/n0madic/go-density-bench"
)

// Config mirrors the sections of the benchmark configuration file.
type Config struct {
	Common     Common     `yaml:"common"`
	Phase1     Phase1     `yaml:"phase1"`
	Phase2     Phase2     `yaml:"phase2"`
	Compute    Compute    `yaml:"compute"`
	Crosscheck Crosscheck `yaml:"crosscheck"`
	Metrics    Metrics    `yaml:"metrics"`
}

type Common struct {
	CSVExt string `yaml:"csv_ext"`
	PklExt string `yaml:"pkl_ext"`
}

// Phase1 configures posterior sampling.
type Phase1 struct {
	OutputPath       string `yaml:"output_path"`
	DataPath         string `yaml:"data_path"`
	Seed             int64  `yaml:"seed"`
	ModelsPerDataset int    `yaml:"models_per_dataset"`
	NumSamples       int    `yaml:"num_samples"`
	Tune             int    `yaml:"tune"`
}

// Phase2 configures density model training on the sampled chains.
type Phase2 struct {
	OutputPath        string  `yaml:"output_path"`
	SizeLimitBytes    int64   `yaml:"size_limit_bytes"`
	TrainFrac         float64 `yaml:"train_frac"`
	RNADEScratchDir   string  `yaml:"rnade_scratch_dir"`
	DropRedundantCols bool    `yaml:"drop_redundant_cols"`
	MaxScaleEpsilon   float64 `yaml:"max_scale_epsilon"`
}

// Compute sizes the worker pool. NJobs is an integer, or empty or
// "calculated" to derive it from the core counts.
type Compute struct {
	NJobs          string `yaml:"njobs"`
	NumCoresPerCPU int    `yaml:"num_cores_per_cpu"`
	NumCPUs        int    `yaml:"num_cpus"`
	NumCoresPerJob int    `yaml:"num_cores_per_job"`
}

type Crosscheck struct {
	Seed int64 `yaml:"seed"`
	N    int   `yaml:"n"`
}

type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// Default returns a configuration with every default filled in and no
// paths set.
func Default() Config {
	return Config{
		Common: Common{CSVExt: ".csv", PklExt: ".gob"},
		Phase1: Phase1{
			Seed:             12,
			ModelsPerDataset: 1,
			NumSamples:       5000,
			Tune:             500,
		},
		Phase2: Phase2{
			SizeLimitBytes: -1,
			TrainFrac:      0.8,
		},
		Compute:    Compute{NJobs: "1"},
		Crosscheck: Crosscheck{Seed: 8525, N: 10},
	}
}

// Load reads path over the defaults, expands and absolutizes every path and
// validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(raw)
}

// Parse decodes YAML over the defaults like Load.
func Parse(raw []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, errors.Wrapf(densitybench.ErrPrecondition, "unmarshal yaml config: %v", err)
	}
	for _, p := range []*string{
		&c.Phase1.OutputPath, &c.Phase1.DataPath,
		&c.Phase2.OutputPath, &c.Phase2.RNADEScratchDir,
		&c.Metrics.Textfile,
	} {
		if *p == "" {
			continue
		}
		abs, err := absPath(*p)
		if err != nil {
			return Config{}, err
		}
		*p = abs
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func absPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "expand home directory")
		}
		p = filepath.Join(home, p[1:])
	}
	abs, err := filepath.Abs(p)
	return abs, errors.Wrapf(err, "absolute path of %s", p)
}

func configErr(err error) error {
	return errors.Wrapf(densitybench.ErrPrecondition, "invalid config: %v", err)
}

// Validate the configuration
func (c Config) Validate() error {
	for name, ext := range map[string]string{"csv_ext": c.Common.CSVExt, "pkl_ext": c.Common.PklExt} {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return configErr(errors.Errorf("common.%s %q is not a file extension", name, ext))
		}
	}
	if c.Phase1.ModelsPerDataset < 1 {
		return configErr(errors.Errorf("phase1.models_per_dataset must be positive, got %d", c.Phase1.ModelsPerDataset))
	}
	if c.Phase1.NumSamples < 1 || c.Phase1.Tune < 0 {
		return configErr(errors.Errorf("phase1 needs num_samples > 0 and tune >= 0, got %d and %d",
			c.Phase1.NumSamples, c.Phase1.Tune))
	}
	if !(c.Phase2.TrainFrac >= 0 && c.Phase2.TrainFrac <= 1) {
		return configErr(errors.Errorf("phase2.train_frac must be in [0, 1], got %v", c.Phase2.TrainFrac))
	}
	if c.Phase2.MaxScaleEpsilon < 0 {
		return configErr(errors.Errorf("phase2.max_scale_epsilon must be non-negative, got %v", c.Phase2.MaxScaleEpsilon))
	}
	if _, err := c.Compute.Jobs(); err != nil {
		return err
	}
	if c.Crosscheck.N < 1 {
		return configErr(errors.Errorf("crosscheck.n must be positive, got %d", c.Crosscheck.N))
	}
	return nil
}

// Jobs resolves the worker count.
func (c Compute) Jobs() (int, error) {
	switch strings.TrimSpace(c.NJobs) {
	case "", "None", "none", "calculated", "calculate":
		if c.NumCoresPerCPU < 1 || c.NumCPUs < 1 || c.NumCoresPerJob < 1 {
			return 0, configErr(errors.Errorf("compute needs positive core counts to calculate njobs, got %d, %d, %d",
				c.NumCoresPerCPU, c.NumCPUs, c.NumCoresPerJob))
		}
		return max(c.NumCoresPerCPU*c.NumCPUs/c.NumCoresPerJob, 1), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.NJobs))
	if err != nil || n < 1 {
		return 0, configErr(errors.Errorf("invalid value given for njobs: %s", c.NJobs))
	}
	return n, nil
}
