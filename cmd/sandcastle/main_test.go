package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/lifecycle"
	"github.com/basket/sandcastle/internal/signal"
)

func execute(t *testing.T, args ...string) (command.Outcome, string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	var outcome command.Outcome
	if s := strings.TrimSpace(out.String()); strings.HasPrefix(s, "{") {
		require.NoError(t, json.Unmarshal([]byte(s), &outcome), "output: %s", s)
	}
	return outcome, out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd("1.2.3")
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "queue", "accept", "reject", "status", "list-agents", "trash", "doctor"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
	assert.Equal(t, "1.2.3", root.Version)
	for _, flag := range []string{"transport", "json", "home", "timeout"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing --%s", flag)
	}
}

func TestRootCmd_RejectsUnknownTransport(t *testing.T) {
	_, _, err := execute(t, "--home", t.TempDir(), "--transport", "carrier-pigeon", "list-agents")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestDirect_QueueStatusList(t *testing.T) {
	home := t.TempDir()
	base := []string{"--home", home, "--transport", "direct"}

	queued, _, err := execute(t, append(base, "queue", "tasks/fix.go", "--priority", "high")...)
	require.NoError(t, err)
	require.True(t, queued.OK)
	require.NotEmpty(t, queued.AgentID)
	require.NotNil(t, queued.Agent)
	assert.Equal(t, lifecycle.StateQueued, queued.Agent.State)
	assert.Equal(t, lifecycle.PriorityHigh, queued.Agent.Priority)
	assert.Equal(t, filepath.Join(home, "workspaces", "agent-"+queued.AgentID+".db"), queued.Agent.DBPath)

	status, _, err := execute(t, append(base, "status", queued.AgentID)...)
	require.NoError(t, err)
	assert.Equal(t, queued.AgentID, status.Agent.ID)

	list, _, err := execute(t, append(base, "list-agents", "--state", "queued")...)
	require.NoError(t, err)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, queued.AgentID, list.Agents[0].ID)

	none, _, err := execute(t, append(base, "list-agents", "--state", "REVIEWING")...)
	require.NoError(t, err)
	assert.Empty(t, none.Agents)
}

func TestDirect_FailuresCarryKinds(t *testing.T) {
	home := t.TempDir()
	base := []string{"--home", home, "--transport", "direct"}

	out, _, err := execute(t, append(base, "status", "missing")...)
	require.Error(t, err)
	assert.False(t, out.OK)
	require.NotNil(t, out.Error)
	assert.Equal(t, command.ErrorNotFound, out.Error.Kind)
	assert.Equal(t, 1, exitCode(err))

	queued, _, err := execute(t, append(base, "queue", "tasks/fix.go")...)
	require.NoError(t, err)
	out, _, err = execute(t, append(base, "accept", queued.AgentID)...)
	require.Error(t, err)
	assert.Equal(t, command.ErrorPrecondition, out.Error.Kind)

	out, _, err = execute(t, append(base, "queue", "tasks/fix.go", "--priority", "urgent")...)
	require.Error(t, err)
	assert.Equal(t, command.ErrorInvalid, out.Error.Kind)
	assert.Equal(t, 2, exitCode(err))
}

func TestDirect_TrashUnknownIsNoop(t *testing.T) {
	out, _, err := execute(t, "--home", t.TempDir(), "--transport", "direct", "trash", "ghost")
	require.NoError(t, err)
	require.NotNil(t, out.Removed)
	assert.False(t, *out.Removed)
}

func TestArgs_Validated(t *testing.T) {
	_, _, err := execute(t, "--home", t.TempDir(), "--transport", "direct", "queue")
	require.Error(t, err)
	_, _, err = execute(t, "--home", t.TempDir(), "--transport", "direct", "accept", "a", "b")
	require.Error(t, err)
}

type staticSubmitter struct{}

func (staticSubmitter) SubmitCommand(_ context.Context, c command.Command) command.Outcome {
	return command.Outcome{OK: true, Command: c.Kind, RequestID: c.RequestID, AgentID: "from-daemon"}
}

func TestSignal_RoundTrip(t *testing.T) {
	home := t.TempDir()
	w, err := signal.NewWatcher(signal.Config{Dir: filepath.Join(home, "signals"), Submitter: staticSubmitter{}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
	require.NoError(t, w.Start(ctx))

	out, _, err := execute(t, "--home", home, "--transport", "signal", "--timeout", "5s", "reject", "a1")
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, command.KindReject, out.Command)
	assert.Equal(t, "from-daemon", out.AgentID)
}

func TestSignal_TimesOutWithoutDaemon(t *testing.T) {
	_, _, err := execute(t, "--home", t.TempDir(), "--timeout", "50ms", "list-agents")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "sandcastle serve")
}

func TestRenderHuman(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	agents := []lifecycle.Agent{
		{ID: "a1", State: lifecycle.StateReviewing, Priority: lifecycle.PriorityHigh, Reference: "tasks/a.go", StateChangedAt: now.Add(-90 * time.Second)},
		{ID: "a2", State: lifecycle.StateErrored, Priority: lifecycle.PriorityNormal, Reference: "tasks/b.wasm", StateChangedAt: now.Add(-time.Hour)},
	}
	var buf bytes.Buffer
	require.NoError(t, renderHuman(&buf, command.Outcome{OK: true, Command: command.KindListAgents, Agents: agents}, now))
	text := buf.String()
	for _, want := range []string{"ID", "a1", "a2", "REVIEWING", "ERRORED", "tasks/b.wasm", "1m30s", "1h0m0s"} {
		assert.Contains(t, text, want)
	}

	buf.Reset()
	removed := false
	require.NoError(t, renderHuman(&buf, command.Outcome{OK: true, Command: command.KindTrash, AgentID: "a3", Removed: &removed}, now))
	assert.Equal(t, "a3 already gone\n", buf.String())

	buf.Reset()
	failed := command.Outcome{Command: command.KindAccept, Error: &command.OutcomeError{Kind: command.ErrorMerge, Message: "overlay missing"}, Agent: &agents[0]}
	require.NoError(t, renderHuman(&buf, failed, now))
	assert.Contains(t, buf.String(), "overlay missing (merge)")
	assert.Contains(t, buf.String(), "tasks/a.go")
}

func TestRender_PipedOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, command.Outcome{OK: true, Command: command.KindStatus, AgentID: "a1"}, false))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "status", got["command"])
}

func TestDoctor_JSONOnFreshHome(t *testing.T) {
	root := newRootCmd("test")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "doctor", "--json"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &diag))
	assert.NotEmpty(t, diag.Results)
	for _, r := range diag.Results {
		assert.NotEqual(t, "FAIL", r.Status, "check %s failed", r.Name)
	}
}
