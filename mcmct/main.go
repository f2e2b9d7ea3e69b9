package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tomopfuku/cophylike"
)

var rootCmd = &cobra.Command{
	Use:           "mcmct",
	Short:         "Bayesian tree sampling on an incremental likelihood engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides the config file)")
	rootCmd.AddCommand(newRunCmd(), newEvalCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcmct:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	l, err := cophylike.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// serveMetrics installs a prometheus-backed meter provider and serves it on
// addr. The returned function stops the server and flushes the provider.
func serveMetrics(addr string, logger *slog.Logger) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	shutdown := func(ctx context.Context) error {
		return errors.Join(srv.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return mp, shutdown, nil
}

func loadInputs(cfg cophylike.RunConfig) (*cophylike.Tree, *cophylike.Patterns, error) {
	if cfg.Tree == "" || cfg.Alignment == "" {
		return nil, nil, fmt.Errorf("%w: a tree and an alignment are required", cophylike.ErrInvalidConfig)
	}
	tree, err := cophylike.ReadNewickFile(cfg.Tree)
	if err != nil {
		return nil, nil, err
	}
	aln, err := cophylike.ReadFastaFile(cfg.Alignment)
	if err != nil {
		return nil, nil, err
	}
	alpha, err := cfg.AlphabetOf()
	if err != nil {
		return nil, nil, err
	}
	pat, err := cophylike.CompressPatterns(aln, alpha)
	if err != nil {
		return nil, nil, err
	}
	return tree, pat, nil
}
