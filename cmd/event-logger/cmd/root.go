package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flowhook/internal/config"
	"github.com/austindbirch/flowhook/internal/events"
	"github.com/austindbirch/flowhook/internal/logging"
	"github.com/austindbirch/flowhook/internal/metadata"
	"github.com/austindbirch/flowhook/internal/metrics"
	"github.com/austindbirch/flowhook/internal/tracing"
)

const serviceName = "flowhook-event-logger"

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	v       = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "event-logger <event_name> <timestamp> <event_id> <flow_name> <run_id> [...]",
	Short: "Record the events that triggered a run against its start task",
	Long: `event-logger waits for the start step of the current run to appear in the
metadata service, then attaches the triggering events to that task as an
"event_trigger" metadata field.

Arguments are read in groups of five:
  event_name timestamp event_id flow_name run_id

Example:
  event-logger data_ready 1700000000 evt-1 UpstreamFlow argo-upstream-1`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		used, err := config.InitViper(v, cfgFile)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if used != "" {
			logging.Plain().WithField("config", used).Debug("Using config file")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		cfg.Poll = config.Poll{
			Timeout:        v.GetDuration("poll-timeout"),
			Interval:       v.GetDuration("poll-interval"),
			RequestTimeout: v.GetDuration("request-timeout"),
		}
		return run(cmd.Context(), cfg, args, logging.Default())
	},
}

// Execute runs the root command, cancelling on SIGINT or SIGTERM.
func Execute() error {
	logging.SetDefaultService(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	defaults := config.FromEnv().Poll

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("event-logger version %s\nGit commit: %s\nBuilt: %s\nGo version: %s\nOS/Arch: %s/%s\n",
		Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowhook.yaml)")
	rootCmd.Flags().Duration("poll-timeout", defaults.Timeout, "overall time to wait for the start task")
	rootCmd.Flags().Duration("poll-interval", defaults.Interval, "wait between lookups after a 404 or empty task list")
	rootCmd.Flags().Duration("request-timeout", defaults.RequestTimeout, "timeout for each metadata lookup")

	rootCmd.Flags().SetInterspersed(false)

	_ = v.BindPFlags(rootCmd.Flags())
}

// run attaches the records parsed from args to the start task of the
// configured run.
func run(ctx context.Context, cfg config.Config, args []string, logger *logging.Logger) error {
	if err := cfg.ValidateReporter(); err != nil {
		return err
	}
	headers, err := cfg.ServiceHeaders()
	if err != nil {
		return err
	}
	records, err := events.ParseRecords(args)
	if err != nil {
		return err
	}

	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Warn("Tracing disabled")
	} else {
		defer shutdown()
	}

	reg := metrics.NewRegistry()
	defer pushMetrics(ctx, cfg.Telemetry.PushgatewayURL, reg, logger)

	ctx, span := tracing.StartSpan(ctx, "event_logger.report",
		attribute.String("flow.name", cfg.Run.FlowName),
		attribute.String("run.id", cfg.Run.RunID),
		attribute.Int("events.count", len(records)),
	)
	defer span.End()

	client := metadata.NewClient(cfg.Service.URL, headers)
	client.Logger = logger
	if cfg.Poll.Timeout > 0 {
		client.PollTimeout = cfg.Poll.Timeout
	}
	if cfg.Poll.Interval > 0 {
		client.PollInterval = cfg.Poll.Interval
	}
	if cfg.Poll.RequestTimeout > 0 {
		client.RequestTimeout = cfg.Poll.RequestTimeout
	}

	taskID, err := client.ReportEventTriggers(ctx, cfg.Run.FlowName, cfg.Run.RunID, cfg.Run.User, records)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("report event triggers: %w", err)
	}

	logger.WithContext(ctx).
		WithFlow(cfg.Run.FlowName).
		WithRun(cfg.Run.RunID).
		WithTask(taskID).
		WithField("events", len(records)).
		Info("Event triggers recorded")
	return nil
}

func pushMetrics(ctx context.Context, url string, reg *prometheus.Registry, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := metrics.Push(ctx, url, serviceName, reg); err != nil {
		logger.Plain().WithError(err).Warn("Failed to push metrics")
	}
}
