package cophylike

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunConfig holds everything a sampler run needs. Load it with
// LoadRunConfig, which starts from DefaultRunConfig.
type RunConfig struct {
	Tree        string `yaml:"tree"`
	Alignment   string `yaml:"alignment"`
	Alphabet    string `yaml:"alphabet"`
	Output      string `yaml:"output"`
	Generations int    `yaml:"generations"`
	PrintFreq   int    `yaml:"print_freq"`
	SampleFreq  int    `yaml:"sample_freq"`
	Seed        uint64 `yaml:"seed"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	Model     ModelConfig     `yaml:"model"`
	Priors    PriorConfig     `yaml:"priors"`
	Proposals ProposalConfig  `yaml:"proposals"`
	Engine    EngineRunConfig `yaml:"engine"`
}

// ModelConfig holds the starting values of the model parameters.
type ModelConfig struct {
	Kappa           float64   `yaml:"kappa"`
	Frequencies     []float64 `yaml:"frequencies"`
	GammaAlpha      float64   `yaml:"gamma_alpha"`
	GammaCategories int       `yaml:"gamma_categories"`
	ClockRate       float64   `yaml:"clock_rate"`
}

// PriorConfig holds the means of the exponential priors.
type PriorConfig struct {
	ClockRateMean float64 `yaml:"clock_rate_mean"`
	KappaMean     float64 `yaml:"kappa_mean"`
}

// ProposalConfig holds the starting step lengths of the moves.
type ProposalConfig struct {
	HeightWindow float64 `yaml:"height_window"`
	ClockScale   float64 `yaml:"clock_scale"`
	KappaScale   float64 `yaml:"kappa_scale"`
}

// EngineRunConfig tunes the likelihood engine.
type EngineRunConfig struct {
	Scaling string `yaml:"scaling"`
	Workers int    `yaml:"workers"`
	Debug   bool   `yaml:"debug"`
}

// DefaultRunConfig returns the defaults used for every field a config file
// leaves out.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Alphabet:    "dna",
		Output:      "cophylike",
		Generations: 100000,
		PrintFreq:   10000,
		SampleFreq:  1000,
		Seed:        1,
		LogLevel:    "info",
		Model: ModelConfig{
			Kappa:           2,
			GammaAlpha:      0.5,
			GammaCategories: 4,
			ClockRate:       1,
		},
		Priors: PriorConfig{
			ClockRateMean: 1,
			KappaMean:     10,
		},
		Proposals: ProposalConfig{
			HeightWindow: 0.1,
			ClockScale:   0.5,
			KappaScale:   0.5,
		},
		Engine: EngineRunConfig{
			Scaling: "dynamic",
			Workers: 1,
		},
	}
}

//LoadRunConfig will read a YAML run config over the defaults. Unknown keys are an error.
func LoadRunConfig(path string) (RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseRunConfig(bytes.NewReader(b))
	if err != nil {
		return RunConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

//ParseRunConfig will decode YAML from r over the defaults
func ParseRunConfig(r io.Reader) (RunConfig, error) {
	cfg := DefaultRunConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

//Validate checks the fields a run cannot start without
func (c RunConfig) Validate() error {
	var errs []error
	if c.Generations < 0 {
		errs = append(errs, fmt.Errorf("generations must not be negative, got %d", c.Generations))
	}
	if c.SampleFreq <= 0 {
		errs = append(errs, fmt.Errorf("sample_freq must be positive, got %d", c.SampleFreq))
	}
	if c.PrintFreq < 0 {
		errs = append(errs, fmt.Errorf("print_freq must not be negative, got %d", c.PrintFreq))
	}
	if _, err := c.AlphabetOf(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseScalingPolicy(c.Engine.Scaling); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers))
	}
	if c.Model.GammaCategories < 1 {
		errs = append(errs, fmt.Errorf("model.gamma_categories must be at least 1, got %d", c.Model.GammaCategories))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"model.clock_rate", c.Model.ClockRate},
		{"priors.clock_rate_mean", c.Priors.ClockRateMean},
		{"priors.kappa_mean", c.Priors.KappaMean},
		{"proposals.height_window", c.Proposals.HeightWindow},
		{"proposals.clock_scale", c.Proposals.ClockScale},
		{"proposals.kappa_scale", c.Proposals.KappaScale},
	} {
		if !(f.v > 0) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", f.name, f.v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

//AlphabetOf maps the alphabet name to its Alphabet
func (c RunConfig) AlphabetOf() (*Alphabet, error) {
	switch strings.ToLower(c.Alphabet) {
	case "dna", "nucleotide":
		return DNA, nil
	case "binary":
		return Binary, nil
	}
	return nil, fmt.Errorf("%w: unknown alphabet %q", ErrInvalidConfig, c.Alphabet)
}

//ParseLogLevel maps debug, info, warn or error to a slog level
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return l, nil
}
