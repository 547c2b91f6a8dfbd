// Package agent contains the commands that drive the pipeline stores from a terminal.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/internal/build"
	"github.com/panic80/G7GovAI-sub001/internal/config"
	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/session"
	"github.com/panic80/G7GovAI-sub001/pkg/telemetry"
)

// NewAgentCommand returns the parent of every pipeline command. The connection, logging,
// persistence and telemetry flags it declares are shared by all of them.
func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run assistant pipelines against the backend",
		Long:  "Run assistant pipelines against the backend and print their results.",
		Args:  cobra.NoArgs,
	}

	bindAgentFlags(cmd)

	cmd.AddCommand(
		newSearchCommand(),
		newEvaluateCommand(),
		newOptimizeCommand(),
		newIntakeCommand(),
		newImportCommand(),
		newHistoryCommand(),
	)

	return cmd
}

// ReadConfig returns the agent configuration based on the values provided in 'config.yaml'.
// The 'config.yaml' file is loaded from '/etc/g7gov', '$HOME/.g7gov', or the current working
// directory. If no configuration file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load agent config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent config: %w", err)
	}

	return cfg, nil
}

// agentContext holds what a single command invocation needs: the verified config, the
// logger, the session and the teardown of telemetry.
type agentContext struct {
	cfg     *config.Config
	logger  logger.Logger
	session *session.Session

	tracer  telemetry.TracerProvider
	metrics *telemetry.MetricsServer
}

func newAgentContext(cmd *cobra.Command) (*agentContext, error) {
	cfg, err := ReadConfig()
	if err != nil {
		return nil, err
	}

	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	a := &agentContext{cfg: cfg, logger: log}
	a.tracer = a.telemetryConfig()

	if cfg.Metrics.Enabled {
		a.metrics, err = telemetry.ListenMetrics(cfg.Metrics.Addr, log)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to listen on metrics address: %w", err)
		}
	}

	a.session, err = session.New(cmd.Context(), cfg, session.WithLogger(log))
	if err != nil {
		a.close()
		return nil, err
	}

	if wait, _ := cmd.Flags().GetBool(waitFlag); wait {
		log.Info("waiting for the backend", zap.String("url", cfg.Server.URL))
		if err := a.session.Client.WaitReady(cmd.Context(), cfg.Server.ReadyPath); err != nil {
			a.close()
			return nil, err
		}
	}

	return a, nil
}

func (a *agentContext) telemetryConfig() telemetry.TracerProvider {
	if !a.cfg.Trace.Enabled {
		return telemetry.Noop()
	}

	a.logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t",
		a.cfg.Trace.SampleRatio, a.cfg.Trace.OTLP.Endpoint, a.cfg.Trace.OTLP.TLS.Enabled))

	options := []telemetry.TracerOption{
		telemetry.WithOTLPEndpoint(a.cfg.Trace.OTLP.Endpoint),
		telemetry.WithAttributes(
			semconv.ServiceNameKey.String(a.cfg.Trace.ServiceName),
			semconv.ServiceVersionKey.String(build.Version),
		),
		telemetry.WithSamplingRatio(a.cfg.Trace.SampleRatio),
	}
	if !a.cfg.Trace.OTLP.TLS.Enabled {
		options = append(options, telemetry.WithOTLPInsecure())
	}

	return telemetry.MustNewTracerProvider(options...)
}

func (a *agentContext) close() {
	if a.session != nil {
		a.session.Close()
	}

	// the batch span processor can take up to 5 seconds to flush
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shut down metrics server", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Close(ctx); err != nil {
			a.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
}

// sessionContext returns the context a streaming session runs under: cancelled on SIGINT or
// SIGTERM and bounded by the configured timeout.
func (a *agentContext) sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if a.cfg.Server.Timeout <= 0 {
		return ctx, stop
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// withAgent wraps a command body with the setup and teardown of an agentContext.
func withAgent(fn func(cmd *cobra.Command, a *agentContext, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newAgentContext(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		return fn(cmd, a, args)
	}
}

// follow starts a session with start and reports stage progress on w until it ends. It
// returns the final snapshot of the store.
func follow[In, Out any](ctx context.Context, w io.Writer, store *pipeline.Store[In, Out], start func(context.Context) (*controller.Handle, error)) (pipeline.Snapshot[In, Out], error) {
	snaps, unsubscribe := store.Subscribe()
	defer unsubscribe()

	h, err := start(ctx)
	if err != nil {
		return pipeline.Snapshot[In, Out]{}, err
	}

	p := newProgressPrinter(w)
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			if snap.RunID == h.ID() {
				p.update(snap.Stages)
			}
		case <-h.Done():
			snap := store.Snapshot()
			p.update(snap.Stages)
			return snap, nil
		}
	}
}

// outcome turns the final snapshot of a session into the command's result.
func outcome[In, Out any](ctx context.Context, snap pipeline.Snapshot[In, Out]) (*Out, error) {
	switch {
	case snap.Error != "":
		return nil, fmt.Errorf("%s session failed: %s", snap.Pipeline, snap.Error)
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s session timed out", snap.Pipeline)
		}
		return nil, fmt.Errorf("%s session cancelled", snap.Pipeline)
	case snap.Result == nil:
		return nil, fmt.Errorf("%s session ended without a result", snap.Pipeline)
	}
	return snap.Result, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type progressPrinter struct {
	w    io.Writer
	seen map[string]pipeline.StageStatus
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, seen: make(map[string]pipeline.StageStatus)}
}

func (p *progressPrinter) update(stages []pipeline.StageEntry) {
	for _, s := range stages {
		if s.Status == pipeline.StagePending || p.seen[s.Name] == s.Status {
			continue
		}
		p.seen[s.Name] = s.Status
		fmt.Fprintf(p.w, "%-16s %s\n", s.Name, s.Status)
	}
}
