package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/connector/sources/salesforce"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/logger"
	"github.com/ajitpratap0/tap-salesforce/pkg/messages"
	"github.com/ajitpratap0/tap-salesforce/pkg/metrics"
	"github.com/ajitpratap0/tap-salesforce/pkg/observability"
)

var version = "0.1.0"

// Process exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitQuota = 2
	exitAuth  = 3
)

type options struct {
	configFile  string
	catalogFile string
	stateFile   string
	output      string
	metricsAddr string
	logLevel    string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "tap-salesforce",
		Short: "Replicate Salesforce objects as Singer messages",
		Long: `tap-salesforce extracts the streams selected in a catalog through the
Salesforce REST or Bulk API and writes SCHEMA, RECORD, STATE and
ACTIVATE_VERSION messages to stdout.

Example:
  tap-salesforce --config config.json --catalog catalog.json --state state.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	root.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to tap configuration (JSON or YAML, required)")
	root.Flags().StringVar(&opts.catalogFile, "catalog", "", "Path to the catalog of streams to sync (required)")
	root.Flags().StringVarP(&opts.stateFile, "state", "s", "", "Path to a state file from a previous run")
	root.Flags().StringVarP(&opts.output, "output", "o", "-", "Where to write messages; '-' is stdout, a .gz suffix compresses")
	root.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	_ = root.MarkFlagRequired("config")
	_ = root.MarkFlagRequired("catalog")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tap-salesforce v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	return root
}

func run(ctx context.Context, opts *options) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Observability.LogLevel = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Observability.MetricsAddr = opts.metricsAddr
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel, Encoding: "json"}); err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	if cfg.Observability.MetricsAddr != "" {
		metrics.Serve(ctx, cfg.Observability.MetricsAddr, log)
	}
	if cfg.Observability.EnableTracing {
		tc := observability.DefaultTracingConfig(version)
		tc.SamplingRate = cfg.Observability.TracingSampleRate
		shutdown, err := observability.InitTracing(ctx, tc)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, shutdown(context.Background())) }()
	}

	cat, err := catalog.Load(opts.catalogFile)
	if err != nil {
		return err
	}

	writer, err := messages.Open(opts.output)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, writer.Close()) }()

	src, err := salesforce.Open(ctx, cfg, opts.stateFile, writer, log)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := src.Sync(ctx, cat); err != nil {
		return err
	}
	if skipped := src.Skipped(); skipped != nil {
		log.Warn("sync completed with skipped streams",
			zap.Int("count", len(multierr.Errors(skipped))), zap.Error(skipped))
	}
	return nil
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.IsQuotaExceededError(err):
		return exitQuota
	case errors.IsAuthenticationError(err):
		return exitAuth
	default:
		return exitError
	}
}
