package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/flowhook/internal/config"
	"github.com/austindbirch/flowhook/internal/dispatch"
	"github.com/austindbirch/flowhook/internal/events"
	"github.com/austindbirch/flowhook/internal/logging"
	"github.com/austindbirch/flowhook/internal/metrics"
	"github.com/austindbirch/flowhook/internal/tracing"
)

const serviceName = "flowhook-trigger"

// ErrDispatchFailed is returned by Execute when the event could not be
// delivered. The process should exit 1.
var ErrDispatchFailed = errors.New("event dispatch failed")

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

// options are the tunables resolved from flags, FLOWHOOK_* env and the config file.
type options struct {
	Encoding      events.UserDataEncoding
	EnrichContext bool
	GracePeriod   time.Duration
	HTTPTimeout   time.Duration
	Now           func() time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trigger <mode> [args...]",
	Short: "Send a user or lifecycle event for the current run",
	Long: `trigger builds one event payload and sends it to METAFLOW_EVENT_SOURCE,
either as an HTTP POST or as a message on a NATS or NSQ topic.

Modes:
  user_event <event_name> [user_data]
  <any other mode> <flow_name> <status> [user_data]

Lifecycle events are named metaflow_flow_run_<status>.

Examples:
  trigger user_event data_ready '{"table":"orders"}'
  trigger lifecycle HelloFlow succeeded`,
	Args:          cobra.MinimumNArgs(1),
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
		opts, err := resolveOptions()
		if err != nil {
			return err
		}

		res, err := run(cmd.Context(), config.FromEnv(), opts, args[0], args[1:], logging.Default())
		if err != nil {
			return err
		}
		wait(cmd.Context(), opts.GracePeriod)

		if res.ExitCode() != 0 {
			return fmt.Errorf("%w: %v", ErrDispatchFailed, res.Err)
		}
		return nil
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
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("trigger version %s\nGit commit: %s\nBuilt: %s\nGo version: %s\nOS/Arch: %s/%s\n",
		Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowhook.yaml)")
	rootCmd.Flags().String("user-data-encoding", string(events.EncodingJSON), "how user_data arguments are encoded: json or base64")
	rootCmd.Flags().Bool("enrich-context", config.EnrichContext(), "add flow/run/step specs to the event data")
	rootCmd.Flags().Duration("grace-period", time.Second, "pause after dispatch before exiting")
	rootCmd.Flags().Duration("http-timeout", 10*time.Second, "timeout for HTTP event sources")

	// everything after the mode is event data, never flags
	rootCmd.Flags().SetInterspersed(false)

	_ = v.BindPFlags(rootCmd.Flags())
}

func resolveOptions() (options, error) {
	enc, err := events.ParseUserDataEncoding(v.GetString("user-data-encoding"))
	if err != nil {
		return options{}, err
	}
	return options{
		Encoding:      enc,
		EnrichContext: v.GetBool("enrich-context"),
		GracePeriod:   v.GetDuration("grace-period"),
		HTTPTimeout:   v.GetDuration("http-timeout"),
	}, nil
}

// run builds the payload for mode and dispatches it. Configuration and
// argument problems come back as an error; delivery problems come back in
// the Result.
func run(ctx context.Context, cfg config.Config, opts options, mode string, args []string, logger *logging.Logger) (dispatch.Result, error) {
	if err := cfg.ValidateTrigger(); err != nil {
		return dispatch.Result{}, err
	}
	dest, err := dispatch.ParseSource(cfg.Events.Source)
	if err != nil {
		return dispatch.Result{}, err
	}

	base := events.BaseContext(events.RunContext{
		FlowName: cfg.Run.FlowName,
		RunID:    cfg.Run.RunID,
		StepName: cfg.Run.StepName,
	}, opts.EnrichContext)

	builder := events.Builder{Now: opts.Now, Encoding: opts.Encoding}
	payload, err := builder.Build(mode, args, base)
	if err != nil {
		return dispatch.Result{}, err
	}
	body, err := payload.Marshal()
	if err != nil {
		return dispatch.Result{}, err
	}

	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Warn("Tracing disabled")
	} else {
		defer shutdown()
	}

	reg := metrics.NewRegistry()
	defer pushMetrics(ctx, cfg.Telemetry.PushgatewayURL, reg, logger)

	d := newDispatcher(cfg, opts, logger)
	res := d.Dispatch(ctx, dest, body)

	logger.WithContext(ctx).
		WithFlow(cfg.Run.FlowName).
		WithRun(cfg.Run.RunID).
		WithEventName(payload.Payload.EventName).
		WithField("transport", string(res.Transport)).
		WithField("exit_code", res.ExitCode()).
		Info("Trigger finished")
	return res, nil
}

func newDispatcher(cfg config.Config, opts options, logger *logging.Logger) *dispatch.Dispatcher {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &dispatch.Dispatcher{
		HTTP:   dispatch.NewHTTPSender(timeout),
		NATS:   dispatch.NewNATSPublisher(cfg.Events.NATSToken),
		NSQ:    dispatch.NewNSQPublisher(cfg.Events.NSQAuthSecret, logger),
		Logger: logger,
	}
}

// wait is the pause before exit that lets in-flight network writes settle.
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func pushMetrics(ctx context.Context, url string, reg *prometheus.Registry, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := metrics.Push(ctx, url, serviceName, reg); err != nil {
		logger.Plain().WithError(err).Warn("Failed to push metrics")
	}
}
