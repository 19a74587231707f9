package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/nl2sql/config"
	"github.com/malbeclabs/nl2sql/pkg/logger"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/telemetry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	os.Exit(int(Run()))
}

// rootOptions carries the persistent flags to subcommands.
type rootOptions struct {
	configPath  string
	verbose     bool
	metricsAddr string
}

func Run() ExitCode {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "nl2sql",
		Short:         "Natural-language questions over the financial warehouse.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (overrides config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		NewIndexCmd(opts).Command(),
		NewAskCmd(opts).Command(),
		NewRewriteCmd(opts).Command(),
		NewSchedulerCmd(opts).Command(),
		NewAgentsCmd(opts).Command(),
		NewCacheCmd(opts).Command(),
		NewMCPCmd(opts).Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nl2sql %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// withApp loads configuration, builds the application and runs fn with
// tracing enabled.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	return o.run(ctx, false, fn)
}

// withService is withApp for long-running commands, which also expose
// prometheus metrics.
func (o *rootOptions) withService(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	return o.run(ctx, true, fn)
}

func (o *rootOptions) run(ctx context.Context, serve bool, fn func(ctx context.Context, a *app) error) error {
	log := logger.New(o.verbose)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("telemetry: shutdown failed", "error", err)
		}
	}()

	if serve && cfg.Metrics.Addr != "" {
		stop, err := serveMetrics(log, cfg.Metrics.Addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	a, err := newApp(ctx, log, cfg)
	defer a.close()
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func serveMetrics(log *slog.Logger, addr string) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to serve prometheus metrics", "error", err)
		}
	}()
	return func() { _ = srv.Close() }, nil
}
