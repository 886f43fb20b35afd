// Package orchestrator is the façade every transport talks to. It owns the
// stable and bin workspaces, the lifecycle store and the scheduler, and
// drives each dispatched agent from GENERATING to REVIEWING.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sandcastle/internal/audit"
	"github.com/basket/sandcastle/internal/bus"
	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/cron"
	"github.com/basket/sandcastle/internal/lifecycle"
	sandotel "github.com/basket/sandcastle/internal/otel"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/scheduler"
	"github.com/basket/sandcastle/internal/shared"
	"github.com/basket/sandcastle/internal/workspace"
)

// StatsFile is the queue stats snapshot path under StateRoot.
const StatsFile = "state/queue_stats.json"

type Config struct {
	WorkspaceRoot string
	RunRoot       string
	StateRoot     string

	Slots   int
	Source  codesource.Source
	Runtime sandbox.Runtime
	Limits  sandbox.Limits

	// MergeStrategy is used by accept; defaults to overlay-wins.
	MergeStrategy workspace.Strategy

	// TrashAfter is the retention window for terminal agents; 0 disables
	// the sweep.
	TrashAfter    time.Duration
	SweepSchedule string
	StatsSchedule string
	// JobInterval is the cron tick; defaults to one second.
	JobInterval time.Duration

	Bus    *bus.Bus
	Tracer trace.Tracer
	Logger *slog.Logger

	Now   func() time.Time
	NewID func() string
}

type Orchestrator struct {
	cfg    Config
	layout workspace.Layout
	stable *workspace.Workspace
	bin    *workspace.Workspace
	store  *lifecycle.Store
	sched  *scheduler.Scheduler
	jobs   *cron.Scheduler
	locks  *keyedMutex

	bus    *bus.Bus
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	startOnce sync.Once
	closeOnce sync.Once
}

// Open creates the workspace root and opens the stable and bin workspaces.
func Open(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil || cfg.Runtime == nil {
		return nil, errors.New("orchestrator: source and runtime are required")
	}
	if cfg.WorkspaceRoot == "" || cfg.RunRoot == "" {
		return nil, errors.New("orchestrator: workspace and run roots are required")
	}
	if cfg.StateRoot == "" {
		cfg.StateRoot = cfg.RunRoot
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(sandotel.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = workspace.StrategyOverlayWins
	}
	if cfg.MergeStrategy == workspace.StrategyCallback {
		return nil, errors.New("orchestrator: accept cannot use the callback merge strategy")
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1h"
	}
	if cfg.StatsSchedule == "" {
		cfg.StatsSchedule = "@every 30s"
	}
	for _, dir := range []string{cfg.WorkspaceRoot, filepath.Join(cfg.RunRoot, "agents")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	layout := workspace.Layout{Root: cfg.WorkspaceRoot}
	stable, err := workspace.Open(layout.StablePath(), workspace.KindStable)
	if err != nil {
		return nil, fmt.Errorf("open stable workspace: %w", err)
	}
	bin, err := workspace.Open(layout.BinPath(), workspace.KindBin)
	if err != nil {
		_ = stable.Close()
		return nil, fmt.Errorf("open bin workspace: %w", err)
	}

	o := &Orchestrator{
		cfg:    cfg,
		layout: layout,
		stable: stable,
		bin:    bin,
		store:  lifecycle.NewStore(bin, cfg.Now),
		locks:  newKeyedMutex(),
		bus:    cfg.Bus,
		tracer: cfg.Tracer,
		logger: cfg.Logger.With("component", "orchestrator"),
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
	o.sched = scheduler.New(scheduler.Config{
		Slots:   cfg.Slots,
		Handler: o.drive,
		Bus:     cfg.Bus,
		Logger:  o.logger,
	})
	o.jobs = cron.NewScheduler(cron.Config{Logger: o.logger, Interval: cfg.JobInterval})
	return o, nil
}

// Stable exposes the authoritative workspace for read-only callers.
func (o *Orchestrator) Stable() *workspace.Workspace { return o.stable }

// Start reconciles persisted records, re-enqueues queued agents and starts
// the scheduler and maintenance jobs. It runs once.
func (o *Orchestrator) Start(ctx context.Context) error {
	var startErr error
	o.startOnce.Do(func() {
		if err := o.recover(ctx); err != nil {
			startErr = err
			return
		}
		now := o.now()
		if o.cfg.TrashAfter > 0 {
			if err := o.jobs.Add("retention-sweep", o.cfg.SweepSchedule, func(ctx context.Context) error {
				_, err := o.Sweep(ctx)
				return err
			}, now); err != nil {
				startErr = err
				return
			}
		}
		if err := o.jobs.Add("queue-stats", o.cfg.StatsSchedule, o.SnapshotStats, now); err != nil {
			startErr = err
			return
		}
		o.sched.Start(ctx)
		o.jobs.Start(ctx)
		o.logger.Info("orchestrator started", "slots", o.sched.Stats().Slots)
	})
	return startErr
}

func (o *Orchestrator) recover(ctx context.Context) error {
	records, err := o.store.List(ctx, lifecycle.Filter{})
	if err != nil {
		return fmt.Errorf("load agent records: %w", err)
	}
	before := make(map[string]lifecycle.State, len(records))
	for _, a := range records {
		before[a.ID] = a.State
	}
	plan := lifecycle.Reconcile(records, o.now())
	for _, a := range plan.Interrupted {
		if err := o.store.Save(ctx, a); err != nil {
			return fmt.Errorf("persist reclassified agent %s: %w", a.ID, err)
		}
		o.publishState(a, string(before[a.ID]))
		o.logger.Warn("agent interrupted by restart", "agent_id", a.ID, "error", a.Error.Message)
	}
	for _, a := range plan.Requeue {
		if err := o.sched.Enqueue(scheduler.Item{ID: a.ID, Priority: a.Priority, Seq: a.Seq}); err != nil {
			return fmt.Errorf("requeue agent %s: %w", a.ID, err)
		}
	}
	o.logger.Info("recovery complete",
		"requeued", len(plan.Requeue),
		"interrupted", len(plan.Interrupted),
		"reviewing", len(plan.Reviewing),
		"terminal", len(plan.Terminal),
	)
	return nil
}

// Shutdown stops admitting work and waits up to drain for running agents.
// It reports whether every agent finished; stragglers are reclassified at
// the next Start.
func (o *Orchestrator) Shutdown(drain time.Duration) bool {
	o.jobs.Stop()
	o.sched.Stop()
	drained := o.sched.Drain(drain)
	if !drained {
		o.logger.Warn("shutdown drain timed out; in-flight agents will be reclassified on restart", "timeout", drain)
	}
	return drained
}

// Close releases the stable and bin workspaces.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = errors.Join(o.stable.Close(), o.bin.Close())
	})
	return err
}

// SubmitCommand normalizes and executes c. Every failure is reported in
// the Outcome; transports render it the same way regardless of origin.
func (o *Orchestrator) SubmitCommand(ctx context.Context, c command.Command) command.Outcome {
	c, err := command.Normalize(c)
	if err != nil {
		failed := command.Failed(c, err)
		o.audit(ctx, c, failed)
		return failed
	}
	ctx = shared.WithOrigin(shared.WithTraceID(ctx, shared.NewTraceID()), string(c.Origin))
	ctx, span := sandotel.StartServerSpan(ctx, o.tracer, "command."+string(c.Kind),
		sandotel.AttrCommand.String(string(c.Kind)),
		sandotel.AttrOrigin.String(string(c.Origin)),
		sandotel.AttrAgentID.String(c.AgentID),
	)

	var out command.Outcome
	switch c.Kind {
	case command.KindQueue:
		out, err = o.queue(ctx, c)
	case command.KindAccept:
		out, err = o.accept(ctx, c)
	case command.KindReject:
		out, err = o.reject(ctx, c)
	case command.KindStatus:
		out, err = o.status(ctx, c)
	case command.KindListAgents:
		out, err = o.listAgents(ctx, c)
	case command.KindTrash:
		out, err = o.trash(ctx, c)
	}
	sandotel.EndSpan(span, err)
	if err != nil {
		o.logger.Info("command failed", "command", c.Kind, "origin", c.Origin, "agent_id", c.AgentID, "error", err)
		failed := command.Failed(c, err)
		failed.Agent = out.Agent
		failed.Merge = out.Merge
		out = failed
	} else {
		out.OK = true
		out.Command = c.Kind
		out.RequestID = c.RequestID
	}
	o.audit(ctx, c, out)
	return out
}

func (o *Orchestrator) audit(ctx context.Context, c command.Command, out command.Outcome) {
	e := audit.Entry{
		TraceID:   shared.TraceID(ctx),
		Command:   string(c.Kind),
		Origin:    string(c.Origin),
		AgentID:   out.AgentID,
		Reference: c.Reference,
		RequestID: c.RequestID,
		OK:        out.OK,
	}
	if e.AgentID == "" {
		e.AgentID = c.AgentID
	}
	if out.Error != nil {
		e.ErrorKind = string(out.Error.Kind)
		e.Message = out.Error.Message
	}
	audit.Record(e)
}

// transition persists one state change under the agent's lock and
// publishes it.
func (o *Orchestrator) transition(ctx context.Context, id, op string, from []lifecycle.State, to lifecycle.State, mutate func(*lifecycle.Agent) error) (lifecycle.Agent, error) {
	unlock := o.locks.Lock(id)
	defer unlock()
	var prev lifecycle.State
	a, err := o.store.Transition(ctx, id, op, from, to, func(a *lifecycle.Agent) error {
		prev = a.State
		if mutate != nil {
			return mutate(a)
		}
		return nil
	})
	if err != nil {
		return a, err
	}
	o.publishState(a, string(prev))
	o.logger.Info("agent transition", "agent_id", id, "from", prev, "to", a.State, "trace_id", shared.TraceID(ctx))
	return a, nil
}

// fail moves an in-flight agent to ERRORED.
func (o *Orchestrator) fail(ctx context.Context, id string, from lifecycle.State, kind lifecycle.ErrorKind, msg string) {
	_, err := o.transition(ctx, id, "fail", []lifecycle.State{from}, lifecycle.StateErrored, func(a *lifecycle.Agent) error {
		a.Error = &lifecycle.AgentError{Kind: kind, Message: msg, At: o.now().UTC()}
		return nil
	})
	if err != nil {
		o.logger.Error("record agent failure", "agent_id", id, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) publishState(a lifecycle.Agent, from string) {
	if o.bus == nil {
		return
	}
	ev := bus.AgentStateChanged{AgentID: a.ID, From: from, To: string(a.State), At: a.StateChangedAt}
	if a.Error != nil && a.State == lifecycle.StateErrored {
		ev.ErrorKind = string(a.Error.Kind)
	}
	if lifecycle.State(from).InFlight() && !a.State.InFlight() {
		ev.RunDuration = a.RunDuration()
	}
	o.bus.Publish(bus.TopicAgentStateChanged, ev)
}

func (o *Orchestrator) runDir(id string) string {
	return filepath.Join(o.cfg.RunRoot, "agents", id)
}
