package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/roach88/hcsagent/internal/agent"
	"github.com/roach88/hcsagent/internal/boltstore"
	"github.com/roach88/hcsagent/internal/config"
	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/state"
	"github.com/roach88/hcsagent/internal/statusapi"
	"github.com/roach88/hcsagent/internal/store"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/transport/localtopic"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	LogFormat  string
	Once       bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent poll loop",
		Long: `Start the agent with the given configuration file.

The agent loads its persisted connections, proposals and topic cursors,
then polls every inbound topic until interrupted. When status_addr is set,
read-only projections are served over HTTP alongside /healthz and /metrics.

Example:
  hcsagent run --config ./agent.yaml
  hcsagent run --config ./agent.toml --log-format json --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to agent config (.yaml or .toml, required)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json); overrides the config")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single poll cycle and exit")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runAgent(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, opts.Verbose)
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening state store", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	st, err := openStore(cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open state store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing state store", "error", closeErr)
		}
	}()

	tr, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open transport", err)
	}
	defer closeTransport()

	metrics := observability.NewMetrics("")
	health := observability.NewHealth()
	rt, err := agent.New(ctx, cfg.Agent(), tr, st,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithHealth(health),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start agent", err)
	}

	if opts.Once {
		if err := rt.PollOnce(ctx); err != nil {
			return WrapExitError(ExitFailure, "poll cycle failed", err)
		}
		return nil
	}

	if cfg.StatusAddr != "" {
		go func() {
			if err := statusapi.Serve(ctx, cfg.StatusAddr, statusapi.New(rt, metrics), logger); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s started on %d topic(s). Press Ctrl-C to stop.\n",
		cfg.AgentID, len(cfg.InboundTopics))

	if err := rt.Run(ctx, time.Duration(cfg.PollInterval)); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "agent error", err)
	}
	logger.Info("agent stopped gracefully")
	return nil
}

func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler).With("service", "hcsagent")
}

func openStore(cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		st, err := store.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreBolt:
		st, err := boltstore.Open(cfg.Path, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openTransport opens the configured topic service and makes sure every
// inbound topic exists on it.
func openTransport(ctx context.Context, cfg config.Config) (transport.Transport, func(), error) {
	switch cfg.Transport.Driver {
	case config.TransportMemory:
		mem := transport.NewMemory(time.Now)
		for _, topic := range cfg.InboundTopics {
			mem.EnsureTopic(topic)
		}
		return mem, func() {}, nil
	case config.TransportLocal:
		log, err := localtopic.Open(cfg.Transport.Path)
		if err != nil {
			return nil, nil, err
		}
		for _, topic := range cfg.InboundTopics {
			if err := log.EnsureTopic(ctx, topic, "inbound:"+cfg.AgentID); err != nil {
				_ = log.Close()
				return nil, nil, err
			}
		}
		return log, func() { _ = log.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}
