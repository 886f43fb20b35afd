package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/basket/sandcastle/internal/bus"
	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/lifecycle"
	"github.com/basket/sandcastle/internal/scheduler"
	"github.com/basket/sandcastle/internal/shared"
	"github.com/basket/sandcastle/internal/workspace"
)

func (o *Orchestrator) queue(ctx context.Context, c command.Command) (command.Outcome, error) {
	seq, err := o.store.NextSeq(ctx)
	if err != nil {
		return command.Outcome{}, fmt.Errorf("allocate sequence: %w", err)
	}
	id := o.newID()
	a := lifecycle.NewAgent(id, c.Reference, c.Priority, seq, o.now())
	a.DBPath = o.layout.OverlayPath(id)
	a.RunDir = o.runDir(id)

	unlock := o.locks.Lock(id)
	err = o.store.Save(ctx, a)
	unlock()
	if err != nil {
		return command.Outcome{}, fmt.Errorf("save agent %s: %w", id, err)
	}
	o.publishState(a, "")
	o.logger.Info("agent queued", "agent_id", id, "reference", a.Reference, "priority", a.Priority, "origin", c.Origin)

	// A closed queue leaves the record QUEUED; the next Start requeues it.
	if err := o.sched.Enqueue(scheduler.Item{ID: id, Priority: a.Priority, Seq: seq}); err != nil {
		return command.Outcome{AgentID: id, Agent: &a}, fmt.Errorf("enqueue agent %s: %w", id, err)
	}
	return command.Outcome{AgentID: id, Agent: &a}, nil
}

// accept merges the overlay into stable. A failed merge leaves the agent
// REVIEWING with a merge error so it can be retried or rejected.
func (o *Orchestrator) accept(ctx context.Context, c command.Command) (command.Outcome, error) {
	unlock := o.locks.Lock(c.AgentID)
	defer unlock()

	a, err := o.store.Load(ctx, c.AgentID)
	if err != nil {
		return command.Outcome{}, err
	}
	want := []lifecycle.State{lifecycle.StateReviewing}
	if a.State != lifecycle.StateReviewing {
		return command.Outcome{Agent: &a}, &lifecycle.PreconditionError{AgentID: a.ID, Op: "accept", State: a.State, Want: want}
	}

	res, mergeErr := o.mergeOverlay(ctx, a)
	summary := &command.MergeSummary{FilesMerged: len(res.FilesMerged), Conflicts: res.Conflicts}
	if mergeErr != nil {
		a.Error = &lifecycle.AgentError{Kind: lifecycle.ErrorMerge, Message: mergeErr.Error(), At: o.now().UTC()}
		if err := o.store.Save(ctx, a); err != nil {
			return command.Outcome{Agent: &a, Merge: summary}, errors.Join(mergeErr, fmt.Errorf("record merge failure: %w", err))
		}
		return command.Outcome{Agent: &a, Merge: summary}, mergeErr
	}

	prev := a.State
	a.Error = nil
	if err := a.Advance(lifecycle.StateAccepted, o.now()); err != nil {
		return command.Outcome{Agent: &a}, err
	}
	if err := o.store.Save(ctx, a); err != nil {
		return command.Outcome{Agent: &a}, fmt.Errorf("save accepted agent: %w", err)
	}
	o.publishState(a, string(prev))
	if o.bus != nil {
		o.bus.Publish(bus.TopicAgentMerged, bus.AgentMerged{AgentID: a.ID, FilesMerged: len(res.FilesMerged), Conflicts: len(res.Conflicts)})
	}
	o.logger.Info("agent accepted", "agent_id", a.ID, "origin", shared.Origin(ctx), "strategy", o.cfg.MergeStrategy,
		"files_merged", len(res.FilesMerged), "conflicts", len(res.Conflicts))

	o.discardOverlay(ctx, a)
	return command.Outcome{AgentID: a.ID, Agent: &a, Merge: summary}, nil
}

func (o *Orchestrator) mergeOverlay(ctx context.Context, a lifecycle.Agent) (workspace.MergeResult, error) {
	if !fileExists(a.DBPath) {
		return workspace.MergeResult{}, &workspace.MergeError{Errors: []string{fmt.Sprintf("overlay %s is missing", filepath.Base(a.DBPath))}}
	}
	ov, err := workspace.OpenOverlay(a.DBPath, o.stable)
	if err != nil {
		return workspace.MergeResult{}, &workspace.MergeError{Errors: []string{err.Error()}}
	}
	defer ov.Close()
	return workspace.Merge(ctx, ov, o.stable, workspace.MergeOptions{Strategy: o.cfg.MergeStrategy})
}

// discardOverlay drops every local entry of a's overlay. A missing overlay
// is already discarded.
func (o *Orchestrator) discardOverlay(ctx context.Context, a lifecycle.Agent) (int, error) {
	if !fileExists(a.DBPath) {
		return 0, nil
	}
	ov, err := workspace.OpenOverlay(a.DBPath, o.stable)
	if err != nil {
		o.logger.Warn("open overlay for discard", "agent_id", a.ID, "error", err)
		return 0, err
	}
	defer ov.Close()
	n, err := ov.Reset(ctx)
	if err != nil {
		o.logger.Warn("discard overlay", "agent_id", a.ID, "error", err)
	}
	return n, err
}

func (o *Orchestrator) reject(ctx context.Context, c command.Command) (command.Outcome, error) {
	unlock := o.locks.Lock(c.AgentID)
	defer unlock()

	a, err := o.store.Load(ctx, c.AgentID)
	if err != nil {
		return command.Outcome{}, err
	}
	if a.State != lifecycle.StateReviewing {
		return command.Outcome{Agent: &a}, &lifecycle.PreconditionError{AgentID: a.ID, Op: "reject", State: a.State, Want: []lifecycle.State{lifecycle.StateReviewing}}
	}
	n, err := o.discardOverlay(ctx, a)
	if err != nil {
		return command.Outcome{Agent: &a}, fmt.Errorf("discard overlay: %w", err)
	}
	prev := a.State
	if err := a.Advance(lifecycle.StateRejected, o.now()); err != nil {
		return command.Outcome{Agent: &a}, err
	}
	if err := o.store.Save(ctx, a); err != nil {
		return command.Outcome{Agent: &a}, fmt.Errorf("save rejected agent: %w", err)
	}
	o.publishState(a, string(prev))
	o.logger.Info("agent rejected", "agent_id", a.ID, "origin", shared.Origin(ctx), "discarded", n)
	return command.Outcome{AgentID: a.ID, Agent: &a}, nil
}

func (o *Orchestrator) status(ctx context.Context, c command.Command) (command.Outcome, error) {
	a, err := o.store.Load(ctx, c.AgentID)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Outcome{AgentID: a.ID, Agent: &a}, nil
}

func (o *Orchestrator) listAgents(ctx context.Context, c command.Command) (command.Outcome, error) {
	var f lifecycle.Filter
	if c.State != "" {
		f.States = []lifecycle.State{c.State}
	}
	agents, err := o.store.List(ctx, f)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Outcome{Agents: agents}, nil
}

// trash removes a terminal agent's overlay, run artifacts and record.
// Unknown ids are a successful no-op.
func (o *Orchestrator) trash(ctx context.Context, c command.Command) (command.Outcome, error) {
	removed, a, err := o.trashAgent(ctx, c.AgentID)
	out := command.Outcome{AgentID: c.AgentID, Removed: &removed}
	if a.ID != "" {
		out.Agent = &a
	}
	return out, err
}

func (o *Orchestrator) trashAgent(ctx context.Context, id string) (bool, lifecycle.Agent, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	a, err := o.store.Load(ctx, id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, lifecycle.Agent{}, nil
	}
	if err != nil {
		return false, lifecycle.Agent{}, err
	}
	if !a.State.Terminal() {
		return false, a, &lifecycle.PreconditionError{AgentID: id, Op: "trash", State: a.State,
			Want: []lifecycle.State{lifecycle.StateAccepted, lifecycle.StateRejected, lifecycle.StateErrored}}
	}

	// The record goes last so a failed cleanup can be retried.
	dbPath := a.DBPath
	if dbPath == "" {
		dbPath = o.layout.OverlayPath(id)
	}
	if err := workspace.RemoveDatabase(dbPath); err != nil {
		return false, a, fmt.Errorf("remove overlay: %w", err)
	}
	runDir := a.RunDir
	if runDir == "" {
		runDir = o.runDir(id)
	}
	if err := os.RemoveAll(runDir); err != nil {
		return false, a, fmt.Errorf("remove run artifacts: %w", err)
	}
	if a.PreviewDir != "" {
		if err := os.RemoveAll(a.PreviewDir); err != nil {
			return false, a, fmt.Errorf("remove preview: %w", err)
		}
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return false, a, fmt.Errorf("delete record: %w", err)
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicAgentTrashed, bus.AgentTrashed{AgentID: id, State: string(a.State)})
	}
	o.logger.Info("agent trashed", "agent_id", id, "state", a.State, "origin", shared.Origin(ctx))
	return true, a, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, fs.ErrNotExist)
}
