// Package cli implements the flowstudio command line client: flow graph
// editing with optimistic concurrency and run control with live events.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"flow-studio/backend/internal/config"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/internal/stream"
	"flow-studio/backend/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Server     string
	ConfigPath string

	cfg      *config.Config
	logger   *logging.Logger
	metrics  *observability.ClientMetrics
	recorder *observability.ClientRecorder
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flowstudio CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "flowstudio",
		Short:         "Flow Studio client",
		Long:          "Edit shared flow graphs and control pipeline runs on a Flow Studio server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			opts.reportMetrics(cmd.Context())
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server base URL (overrides client.base_url)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a config file")

	cmd.AddCommand(NewFlowCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

func (o *RootOptions) load(errOut io.Writer) error {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Server != "" {
		cfg.Client.BaseURL = o.Server
	}
	o.cfg = cfg

	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	o.logger = logging.New(errOut, level, cfg.Log.Format)

	// With metrics disabled, measurements go to the global provider, which
	// records nothing unless an embedding process installs one.
	provider := otel.GetMeterProvider()
	if cfg.Metrics.Enabled {
		o.recorder = observability.NewClientRecorder()
		provider = o.recorder.MeterProvider()
	}
	metrics, err := observability.NewClientMetrics(provider)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create metrics", err)
	}
	o.metrics = metrics
	return nil
}

// reportMetrics logs the client counters at debug level and releases the
// recorder.
func (o *RootOptions) reportMetrics(ctx context.Context) {
	if o.recorder == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() { _ = o.recorder.Shutdown(ctx) }()

	totals, err := o.recorder.Totals(ctx)
	if err != nil {
		o.logger.Debug("failed to collect client metrics", "error", err)
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]any, 0, 2*len(names))
	for _, name := range names {
		args = append(args, name, totals[name])
	}
	o.logger.Debug("client metrics", args...)
}

// client returns a REST client for the configured server.
func (o *RootOptions) client() *transport.Client {
	return transport.NewClient(o.cfg.Client.BaseURL,
		transport.WithHTTPClient(&http.Client{Timeout: o.cfg.Client.Timeout}),
		transport.WithLogger(o.logger.With("component", "transport")),
		transport.WithMetrics(o.metrics),
	)
}

// subscriber returns an event stream subscriber. Streams stay open, so its
// HTTP client has no timeout.
func (o *RootOptions) subscriber() *stream.Subscriber {
	return stream.NewSubscriber(o.cfg.Client.BaseURL,
		stream.WithLogger(o.logger.With("component", "stream")),
		stream.WithMetrics(o.metrics),
	)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
