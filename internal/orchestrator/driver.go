package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/sandcastle/internal/codesource"
	"github.com/basket/sandcastle/internal/fsutil"
	"github.com/basket/sandcastle/internal/lifecycle"
	sandotel "github.com/basket/sandcastle/internal/otel"
	"github.com/basket/sandcastle/internal/sandbox"
	"github.com/basket/sandcastle/internal/scheduler"
	"github.com/basket/sandcastle/internal/shared"
	"github.com/basket/sandcastle/internal/workspace"
)

// Run artifact names under <run-root>/agents/<id>/.
const (
	checkFile   = "check.json"
	logFile     = "run.log"
	changesFile = "changes.json"
	previewDir  = "preview"
)

// CheckReport is written to check.json after validation.
type CheckReport struct {
	Reference   string                  `json:"reference"`
	Language    string                  `json:"language"`
	Origin      string                  `json:"origin,omitempty"`
	Passed      bool                    `json:"passed"`
	Diagnostics []codesource.Diagnostic `json:"diagnostics"`
	CheckedAt   time.Time               `json:"checked_at"`
}

// ChangesReport is written to changes.json next to the preview.
type ChangesReport struct {
	AgentID     string                      `json:"agent_id"`
	Summary     string                      `json:"summary"`
	Submitted   []string                    `json:"submitted_files"`
	Changes     []workspace.Change          `json:"changes"`
	Preview     workspace.MaterializeResult `json:"preview"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// stageError carries the error kind the driver records for a failed stage.
type stageError struct {
	kind lifecycle.ErrorKind
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageFail(kind lifecycle.ErrorKind, format string, args ...any) error {
	return &stageError{kind: kind, err: fmt.Errorf(format, args...)}
}

// drive is the scheduler handler. It holds the agent's slot from dispatch
// until the agent reaches REVIEWING or ERRORED.
func (o *Orchestrator) drive(ctx context.Context, item scheduler.Item) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithAgentID(ctx, item.ID), runID)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := sandotel.StartSpan(ctx, o.tracer, "agent.run",
		sandotel.AttrAgentID.String(item.ID),
		sandotel.AttrPriority.String(string(item.Priority)),
	)
	err := o.runAgent(ctx, item.ID, runID)
	sandotel.EndSpan(span, err)
}

func (o *Orchestrator) runAgent(ctx context.Context, id, runID string) (err error) {
	logger := o.logger.With("agent_id", id, "run_id", runID)
	started := o.now().UTC()
	a, err := o.transition(ctx, id, "dispatch", []lifecycle.State{lifecycle.StateQueued}, lifecycle.StateGenerating, func(a *lifecycle.Agent) error {
		a.StartedAt = &started
		if a.RunDir == "" {
			a.RunDir = o.runDir(a.ID)
		}
		if a.DBPath == "" {
			a.DBPath = o.layout.OverlayPath(a.ID)
		}
		return nil
	})
	if err != nil {
		logger.Warn("dispatch skipped", "error", err)
		return err
	}

	state := lifecycle.StateGenerating
	// A panicking source or runtime still ends the agent ERRORED.
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err = &stageError{kind: lifecycle.ErrorExecution, err: fmt.Errorf("panic during %s: %v", state, p)}
		logger.Error("agent run panicked", "state", state, "panic", p)
		o.fail(ctx, id, state, lifecycle.ErrorExecution, err.Error())
	}()
	err = o.runStages(ctx, &a, &state, logger)
	if err == nil {
		return nil
	}
	kind := lifecycle.ErrorExecution
	var se *stageError
	if errors.As(err, &se) {
		kind = se.kind
	}
	logger.Warn("agent errored", "state", state, "kind", kind, "error", err)
	o.fail(ctx, id, state, kind, err.Error())
	return err
}

// runStages advances a through the in-flight states, keeping *state in
// step with what has been persisted.
func (o *Orchestrator) runStages(ctx context.Context, a *lifecycle.Agent, state *lifecycle.State, logger *slog.Logger) error {
	if err := os.MkdirAll(a.RunDir, 0o755); err != nil {
		return stageFail(lifecycle.ErrorExecution, "create run dir: %v", err)
	}
	ov, err := workspace.OpenOverlay(a.DBPath, o.stable)
	if err != nil {
		return stageFail(lifecycle.ErrorExecution, "create overlay: %v", err)
	}
	defer ov.Close()

	// GENERATING: resolve and validate.
	code, err := o.cfg.Source.Fetch(ctx, a.Reference, codesource.FetchContext{AgentID: a.ID, Priority: string(a.Priority)})
	if err != nil {
		return stageFail(lifecycle.ErrorResolution, "fetch %s: %v", a.Reference, err)
	}
	taskPath := filepath.Join(a.RunDir, "task."+code.Ext())
	if err := fsutil.AtomicWrite(taskPath, code.Source, 0o644); err != nil {
		return stageFail(lifecycle.ErrorExecution, "write task file: %v", err)
	}
	diags, err := o.validate(ctx, code)
	if err != nil {
		return stageFail(lifecycle.ErrorValidation, "validate: %v", err)
	}
	report := CheckReport{
		Reference:   code.Reference,
		Language:    code.Language,
		Origin:      code.Origin,
		Passed:      !codesource.HasErrors(diags),
		Diagnostics: diags,
		CheckedAt:   o.now().UTC(),
	}
	if err := fsutil.WriteJSON(filepath.Join(a.RunDir, checkFile), report); err != nil {
		return stageFail(lifecycle.ErrorExecution, "write check report: %v", err)
	}
	if !report.Passed {
		return stageFail(lifecycle.ErrorValidation, "%s", firstError(diags))
	}

	next, err := o.transition(ctx, a.ID, "execute", []lifecycle.State{lifecycle.StateGenerating}, lifecycle.StateExecuting, func(r *lifecycle.Agent) error {
		r.Language = code.Language
		return nil
	})
	if err != nil {
		return err
	}
	*a, *state = next, lifecycle.StateExecuting

	// EXECUTING: run against the overlay.
	sub, err := o.execute(ctx, *a, code, ov)
	if err != nil {
		return err
	}

	next, err = o.transition(ctx, a.ID, "submit", []lifecycle.State{lifecycle.StateExecuting}, lifecycle.StateSubmitting, func(r *lifecycle.Agent) error {
		r.Submission = sub
		return nil
	})
	if err != nil {
		return err
	}
	*a, *state = next, lifecycle.StateSubmitting

	// SUBMITTING: preview and diff for review.
	preview := filepath.Join(a.RunDir, previewDir)
	changes, err := ov.Diff(ctx)
	if err != nil {
		return stageFail(lifecycle.ErrorExecution, "diff overlay: %v", err)
	}
	mres, err := workspace.Materialize(ctx, ov, preview, workspace.MaterializeOptions{IncludeBase: true, Clean: true})
	if err != nil {
		return stageFail(lifecycle.ErrorExecution, "materialize preview: %v", err)
	}
	if err := fsutil.WriteJSON(filepath.Join(a.RunDir, changesFile), ChangesReport{
		AgentID:     a.ID,
		Summary:     sub.Summary,
		Submitted:   sub.ChangedFiles,
		Changes:     changes,
		Preview:     mres,
		GeneratedAt: o.now().UTC(),
	}); err != nil {
		return stageFail(lifecycle.ErrorExecution, "write changes report: %v", err)
	}

	next, err = o.transition(ctx, a.ID, "review", []lifecycle.State{lifecycle.StateSubmitting}, lifecycle.StateReviewing, func(r *lifecycle.Agent) error {
		r.PreviewDir = preview
		return nil
	})
	if err != nil {
		return err
	}
	*a, *state = next, lifecycle.StateReviewing
	logger.Info("agent ready for review", "changes", workspace.Summary(changes), "files_written", mres.FilesWritten)
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, code codesource.Code) ([]codesource.Diagnostic, error) {
	diags, err := o.cfg.Source.Validate(ctx, code)
	if err != nil {
		return nil, err
	}
	if codesource.HasErrors(diags) {
		return diags, nil
	}
	more, err := o.cfg.Runtime.Validate(ctx, code)
	if err != nil {
		return nil, err
	}
	return append(diags, more...), nil
}

// execute runs code with capabilities bound to ov. A run that returns
// without calling submit_result violates the completion contract.
func (o *Orchestrator) execute(ctx context.Context, a lifecycle.Agent, code codesource.Code, ov *workspace.Workspace) (*lifecycle.Submission, error) {
	f, err := os.OpenFile(filepath.Join(a.RunDir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, stageFail(lifecycle.ErrorExecution, "open transcript: %v", err)
	}
	defer f.Close()
	transcript := &syncWriter{w: f}
	fmt.Fprintf(transcript, "== run %s agent %s reference %s (%s) at %s\n",
		shared.RunID(ctx), a.ID, code.Reference, code.Language, o.now().UTC().Format(time.RFC3339))

	caps := newOverlayCaps(ov, transcript, o.logger.With("agent_id", shared.AgentID(ctx), "run_id", shared.RunID(ctx)), o.now)
	ctx, span := sandotel.StartSpan(ctx, o.tracer, "sandbox.run", sandotel.AttrLanguage.String(code.Language))
	res, runErr := o.cfg.Runtime.Run(ctx, code, sandbox.RunRequest{
		Inputs:       map[string]string{"agent_id": a.ID, "reference": a.Reference},
		Capabilities: caps,
		Limits:       o.cfg.Limits,
		Transcript:   transcript,
	})
	sandotel.EndSpan(span, runErr)
	fmt.Fprintf(transcript, "== finished in %s after %d capability calls\n", res.Duration, res.CapabilityCalls)

	if runErr != nil {
		fmt.Fprintf(transcript, "== fault: %v\n", runErr)
		return nil, &stageError{kind: faultKind(runErr), err: runErr}
	}
	sub, ok := caps.submitted()
	if !ok {
		fmt.Fprintln(transcript, "== no submission")
		return nil, stageFail(lifecycle.ErrorContractViolation, "run returned without calling submit_result")
	}
	return sub, nil
}

func faultKind(err error) lifecycle.ErrorKind {
	f, ok := sandbox.AsFault(err)
	if !ok {
		return lifecycle.ErrorExecution
	}
	switch f.Reason {
	case sandbox.ReasonLimitExceeded:
		return lifecycle.ErrorLimitExceeded
	case sandbox.ReasonValidation:
		return lifecycle.ErrorValidation
	}
	return lifecycle.ErrorExecution
}

func firstError(diags []codesource.Diagnostic) string {
	for _, d := range diags {
		if d.Severity == "error" {
			if d.Line > 0 {
				return fmt.Sprintf("line %d: %s", d.Line, d.Message)
			}
			return d.Message
		}
	}
	return "validation failed"
}
