package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/tomopfuku/cophylike"
)

func newRunCmd() *cobra.Command {
	var configPath string
	cfg := cophylike.DefaultRunConfig()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the MCMC sampler",
		Long: `Runs a Metropolis-Hastings chain over node heights, the strict clock
rate and kappa. Writes <output>.mcmc (tab-separated log), <output>.t
(sampled trees) and <output>.json (run summary).

Flags override values read from --config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				fileCfg, err := cophylike.LoadRunConfig(configPath)
				if err != nil {
					return err
				}
				overrideFromFlags(cmd, &fileCfg, cfg)
				cfg = fileCfg
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return runChain(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML run config")
	f.StringVarP(&cfg.Tree, "tree", "t", cfg.Tree, "input Newick tree with branch lengths")
	f.StringVarP(&cfg.Alignment, "alignment", "m", cfg.Alignment, "aligned FASTA file")
	f.StringVar(&cfg.Alphabet, "alphabet", cfg.Alphabet, "dna or binary")
	f.IntVar(&cfg.Generations, "gen", cfg.Generations, "number of MCMC generations to run")
	f.IntVar(&cfg.PrintFreq, "pr", cfg.PrintFreq, "frequency with which to log progress")
	f.IntVar(&cfg.SampleFreq, "samp", cfg.SampleFreq, "frequency with which to sample from the chain")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	f.StringVarP(&cfg.Output, "out", "o", cfg.Output, "prefix for outfile names")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus /metrics on this address")
	f.StringVar(&cfg.Engine.Scaling, "scaling", cfg.Engine.Scaling, "partials rescaling: dynamic, never or always")
	f.IntVarP(&cfg.Engine.Workers, "workers", "W", cfg.Engine.Workers, "goroutines per likelihood pass")
	return cmd
}

// overrideFromFlags copies every flag the user set explicitly from flagCfg
// into dst.
func overrideFromFlags(cmd *cobra.Command, dst *cophylike.RunConfig, flagCfg cophylike.RunConfig) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("tree", func() { dst.Tree = flagCfg.Tree })
	set("alignment", func() { dst.Alignment = flagCfg.Alignment })
	set("alphabet", func() { dst.Alphabet = flagCfg.Alphabet })
	set("gen", func() { dst.Generations = flagCfg.Generations })
	set("pr", func() { dst.PrintFreq = flagCfg.PrintFreq })
	set("samp", func() { dst.SampleFreq = flagCfg.SampleFreq })
	set("seed", func() { dst.Seed = flagCfg.Seed })
	set("out", func() { dst.Output = flagCfg.Output })
	set("metrics-addr", func() { dst.MetricsAddr = flagCfg.MetricsAddr })
	set("scaling", func() { dst.Engine.Scaling = flagCfg.Engine.Scaling })
	set("workers", func() { dst.Engine.Workers = flagCfg.Engine.Workers })
}

func runChain(ctx context.Context, cfg cophylike.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	var mp metric.MeterProvider
	if cfg.MetricsAddr != "" {
		sdk, shutdown, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("metrics shutdown", slog.String("error", err.Error()))
			}
		}()
		mp = sdk
	}
	tree, pat, err := loadInputs(cfg)
	if err != nil {
		return err
	}
	logger.Info("read alignment", slog.Int("taxa", len(pat.Taxa)), slog.Int("patterns", pat.Len()))
	chain, err := cophylike.InitMCMC(cfg, tree, pat, logger, mp)
	if err != nil {
		return err
	}
	logFile, err := os.Create(cfg.Output + ".mcmc")
	if err != nil {
		return err
	}
	defer logFile.Close()
	treeFile, err := os.Create(cfg.Output + ".t")
	if err != nil {
		return err
	}
	defer treeFile.Close()
	summary, err := chain.Run(ctx, logFile, treeFile)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Output+".json", append(b, '\n'), 0o644); err != nil {
		return err
	}
	logger.Info("completed run",
		slog.String("run_id", summary.RunID),
		slog.Int("generations", summary.Generations),
		slog.Float64("elapsed_seconds", summary.ElapsedSeconds))
	return nil
}
