package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/internal/pipeline"
	"github.com/ajitpratap0/wbingest/pkg/config"
	"github.com/ajitpratap0/wbingest/pkg/logger"
	"github.com/ajitpratap0/wbingest/pkg/metrics"
	"github.com/ajitpratap0/wbingest/pkg/observability"
	"github.com/ajitpratap0/wbingest/pkg/store"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "wbingest",
		Short: "wbingest - World Bank indicator ingestion into PostgreSQL",
		Long: `wbingest provisions a PostgreSQL container, creates the destination table
and loads every page of a World Bank indicator collection into it.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wbingest v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newRunCommand(), newSchemaCommand(), newConfigCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var configFile string
	var strict bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipeline",
		Long: `Run provisions the database container if it does not exist, waits until it
accepts connections, creates the destination table and loads all pages.

Settings come from the defaults, then the optional YAML file, then
WBINGEST_* environment variables, then flags.

Example:
  wbingest run --config wbingest.yaml --commit-mode page --metrics-addr :9102`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configFile, cmd)
			if err != nil {
				return err
			}
			return runPipeline(cmd, cfg, strict)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	f.String("commit-mode", config.CommitPerRecord, "Commit strategy: record (commit each insert) or page (one transaction per page)")
	f.Int("per-page", 0, "Records per request; 0 keeps the API default")
	f.String("base-url", config.DefaultBaseURL, "Indicator collection URL")
	f.String("readiness", config.ReadinessProbe, "Readiness strategy: probe or fixed")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	f.Bool("trace", false, "Export OpenTelemetry spans to stderr")
	f.Duration("timeout", time.Hour, "Bound for the whole run; 0 disables it")
	f.String("docker-host", "", "Docker daemon address; defaults to DOCKER_HOST")
	f.Int("database-port", 5435, "Host port published for PostgreSQL")
	f.BoolVar(&strict, "strict", false, "Exit non-zero when any page failed")
	return cmd
}

func newSchemaCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of the destination table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(configFile, cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.CreateTableSQL(cfg.Database.Table)+";")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "wbingest.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Check a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := resolveConfig(args[0], nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

// resolveConfig layers the file, the environment and the flags of cmd over
// the defaults and validates the result.
func resolveConfig(path string, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	var v, err = newViper(nil)
	if cmd != nil {
		v, err = newViper(cmd.Flags())
	}
	if err != nil {
		return cfg, err
	}
	applyOverrides(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, cfg config.Config, strict bool) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(zap.String("component", "wbingest-cli"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			SamplingRate:   cfg.Tracing.SamplingRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.Info("starting run",
		zap.String("container", cfg.Service.Name),
		zap.String("image", cfg.Service.Image),
		zap.String("database", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)),
		zap.String("source", cfg.Source.BaseURL),
		zap.String("commit_mode", cfg.Loader.CommitMode),
		zap.String("readiness", cfg.Readiness.Mode))

	report, err := pipeline.RunWithConfig(ctx, cfg, collector, logger.Get())
	if report != nil {
		if werr := writeReport(cmd.OutOrStdout(), report); werr != nil {
			log.Warn("failed to write report", zap.Error(werr))
		}
	}
	if err != nil {
		return fmt.Errorf("pipeline execution failed: %w", err)
	}
	if strict && !report.Succeeded() {
		return fmt.Errorf("%d page(s) failed: %v", len(report.FailedPages), report.FailedPages)
	}
	return nil
}

func serveMetrics(addr string, g prometheus.Gatherer, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func writeReport(w io.Writer, r *pipeline.Report) error {
	data, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
