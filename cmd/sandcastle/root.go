package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sandcastle/internal/audit"
	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/config"
	"github.com/basket/sandcastle/internal/lifecycle"
	"github.com/basket/sandcastle/internal/orchestrator"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/sandbox/script"
	"github.com/basket/sandcastle/internal/sandbox/wasm"
	"github.com/basket/sandcastle/internal/signal"
	"github.com/basket/sandcastle/internal/telemetry"
)

const (
	transportDirect = "direct"
	transportSignal = "signal"
)

type globalOptions struct {
	home      string
	transport string
	json      bool
	timeout   time.Duration
}

func newRootCmd(version string) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "sandcastle",
		Short:         "Run sandboxed agents against copy-on-write workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.transport {
			case transportDirect, transportSignal:
				return nil
			}
			return usageErrorf("--transport must be %s or %s, got %q", transportDirect, transportSignal, opts.transport)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.home, "home", "", "Sandcastle home directory (default: ~/.sandcastle, env: SANDCASTLE_HOME)")
	cmd.PersistentFlags().StringVar(&opts.transport, "transport", transportSignal, "How commands reach the orchestrator: signal (running daemon) or direct (in-process)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print outcomes as JSON even on a terminal")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long to wait for the daemon in signal mode")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newQueueCmd(opts))
	cmd.AddCommand(newAgentCmd(opts, command.KindAccept, "accept <agent-id>", "Merge a reviewed agent's overlay into stable"))
	cmd.AddCommand(newAgentCmd(opts, command.KindReject, "reject <agent-id>", "Discard a reviewed agent's overlay"))
	cmd.AddCommand(newAgentCmd(opts, command.KindStatus, "status <agent-id>", "Show one agent"))
	cmd.AddCommand(newAgentCmd(opts, command.KindTrash, "trash <agent-id>", "Remove a finished agent and its artifacts"))
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts, version))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = version
	if cmd.Version == "" {
		cmd.Version = "dev"
	}
	return cmd
}

func (o *globalOptions) loadConfig() (config.Config, error) {
	home := o.home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newQueueCmd(opts *globalOptions) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "queue <reference>",
		Short: "Queue code for a sandboxed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dispatch(cmd, command.Command{
				Kind:      command.KindQueue,
				Reference: args[0],
				Priority:  lifecycle.Priority(priority),
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "Dispatch priority: high or normal")
	return cmd
}

func newAgentCmd(opts *globalOptions, kind command.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dispatch(cmd, command.Command{Kind: kind, AgentID: args[0]})
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:     "list-agents",
		Aliases: []string{"ls"},
		Short:   "List agents, optionally filtered by state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.dispatch(cmd, command.Command{Kind: command.KindListAgents, State: lifecycle.State(state)})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only agents in this state, e.g. REVIEWING")
	return cmd
}

// dispatch sends c over the selected transport and renders the outcome.
func (o *globalOptions) dispatch(cmd *cobra.Command, c command.Command) error {
	c.Origin = command.OriginCLI
	out, err := o.send(cmd.Context(), c)
	if err != nil {
		return err
	}
	if err := render(cmd.OutOrStdout(), out, o.json); err != nil {
		return err
	}
	return out.Err()
}

func (o *globalOptions) send(ctx context.Context, c command.Command) (command.Outcome, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return command.Outcome{}, err
	}
	if o.transport == transportSignal {
		ctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		out, err := signal.NewClient(cfg.SignalDir).Send(ctx, c)
		if errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("no answer from the daemon within %s; is `sandcastle serve` running? (%w)", o.timeout, err)
		}
		return out, err
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return command.Outcome{}, fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	if err := audit.Init(cfg.HomeDir); err != nil {
		return command.Outcome{}, fmt.Errorf("init audit log: %w", err)
	}
	defer func() { _ = audit.Close() }()
	orc, err := orchestrator.Open(orchestratorConfig(cfg, logger))
	if err != nil {
		return command.Outcome{}, err
	}
	defer orc.Close()
	return orc.SubmitCommand(ctx, c), nil
}

func orchestratorConfig(cfg config.Config, logger *slog.Logger) orchestrator.Config {
	// Load already validated the strategy.
	strategy, _ := cfg.AcceptStrategy()
	return orchestrator.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		RunRoot:       cfg.RunRoot,
		StateRoot:     cfg.StateRoot,
		Slots:         cfg.MaxConcurrentAgents,
		Source:        codesource.NewDir(cfg.CodeRoot),
		Runtime:       newRuntime(logger),
		Limits: sandbox.Limits{
			WallClock:          cfg.SandboxTimeout(),
			MemoryLimitPages:   cfg.Sandbox.MemoryLimitPages,
			MaxCapabilityCalls: cfg.Sandbox.MaxCapabilityCalls,
			MaxFileBytes:       int64(cfg.Sandbox.MaxFileBytes),
		},
		MergeStrategy: strategy,
		TrashAfter:    cfg.TrashAfter(),
		SweepSchedule: cfg.Retention.SweepSchedule,
		StatsSchedule: cfg.StatsSchedule,
		Logger:        logger,
	}
}

func newRuntime(logger *slog.Logger) *sandbox.Router {
	r := sandbox.NewRouter()
	r.Register(codesource.LanguageGo, script.New(script.Config{Logger: logger}))
	r.Register(codesource.LanguageWasm, wasm.New(wasm.Config{Logger: logger}))
	return r
}

// usageError marks bad invocations; they exit 2 like flag errors.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return 2
	}
	var re *command.RemoteError
	if errors.As(err, &re) && re.Kind == command.ErrorInvalid {
		return 2
	}
	return 1
}
