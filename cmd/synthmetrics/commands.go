package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/config"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/results"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/runner"
)

// globalOptions are shared by every command that reads a configuration.
type globalOptions struct {
	configPath string
	logLevel   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "synthmetrics",
		Short: "Quality metrics for synthetic images",
		Long: `synthmetrics compares a synthetic image set against a real reference set
in the feature space of a fixed network (FID, KID, IS, PR, PRDC, PR_AUTH, KNN).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "show progress and log from every rank")

	root.AddCommand(
		newRunCmd(opts),
		newWorkerCmd(opts),
		newFingerprintCmd(opts),
		newKindsCmd(),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and applies the persistent flag overrides.
func (o *globalOptions) load() (*config.Config, *observability.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		cfg.Run.Verbose = true
	}
	if o.logLevel != "" {
		cfg.Run.LogLevel = o.logLevel
	}
	level, err := observability.ParseLogLevel(cfg.Run.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, observability.NewLogger(level, os.Stderr), nil
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		worldSize   int
		metricsAddr string
		names       []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute the configured metrics and append them to the results log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if worldSize > 0 {
				cfg.Distributed.WorldSize = worldSize
			}
			if len(names) > 0 {
				cfg.Metrics.Names = names
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := observability.NewMetrics(reg)
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, reg, logger)
				defer stop()
			}

			r := runner.New(cfg, logger, m, runner.WithProgressWriter(cmd.ErrOrStderr()))
			report, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report, cfg.Run.RunDir)

			if n := countStatus(report, results.StatusFailed); n > 0 {
				return errors.Errorf("%d of %d metrics failed", n, len(report.Records))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&worldSize, "world-size", 0, "number of in-process ranks (overrides distributed.world_size)")
	cmd.Flags().StringSliceVarP(&names, "metrics", "m", nil, "metrics to compute (overrides metrics.names)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func newWorkerCmd(opts *globalOptions) *cobra.Command {
	var (
		rank        int
		coordinator string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one rank of a multi-process run and submit its partials to rank 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Distributed.Mode = "grpc"
			if cmd.Flags().Changed("rank") {
				cfg.Distributed.Rank = rank
			}
			if coordinator != "" {
				cfg.Distributed.Coordinator = coordinator
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runner.New(cfg, logger, observability.NewMetrics(nil)).Worker(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&rank, "rank", 0, "rank of this process (overrides distributed.rank)")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "rank 0 address (overrides distributed.coordinator)")
	return cmd
}

func newFingerprintCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the cache fingerprints of the configured passes as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			fps, err := runner.New(cfg, logger, nil).Fingerprints()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(fps)
		},
	}
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the supported metrics and what they consume",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printKinds(cmd.OutOrStdout(), metrics.AllKinds)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "synthmetrics v%s (commit: %s)\n", version, commit)
		},
	}
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *observability.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics endpoint stopped", map[string]interface{}{"address": addr, "error": err.Error()})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func countStatus(report *runner.Report, status results.Status) int {
	n := 0
	for _, rec := range report.Records {
		if rec.Status == status {
			n++
		}
	}
	return n
}
