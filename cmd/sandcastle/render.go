package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/sandcastle/internal/command"
	"github.com/basket/sandcastle/internal/lifecycle"
)

var (
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))

	stateStyles = map[lifecycle.State]lipgloss.Style{
		lifecycle.StateQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		lifecycle.StateGenerating: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		lifecycle.StateExecuting:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		lifecycle.StateSubmitting: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		lifecycle.StateReviewing:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		lifecycle.StateAccepted:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		lifecycle.StateRejected:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		lifecycle.StateErrored:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// render prints out as JSON unless w is a terminal and JSON was not asked
// for. Piped output is always JSON so scripts can parse it.
func render(w io.Writer, out command.Outcome, forceJSON bool) error {
	if forceJSON || !isTerminal(w) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return renderHuman(w, out, time.Now())
}

func renderHuman(w io.Writer, out command.Outcome, now time.Time) error {
	if !out.OK {
		msg := "error"
		if out.Error != nil {
			msg = fmt.Sprintf("%s (%s)", out.Error.Message, out.Error.Kind)
		}
		fmt.Fprintln(w, errorStyle.Render("✗ "+msg))
		if out.Agent != nil {
			return renderAgent(w, *out.Agent, now)
		}
		return nil
	}
	switch out.Command {
	case command.KindListAgents:
		return renderTable(w, out.Agents, now)
	case command.KindTrash:
		if out.Removed != nil && *out.Removed {
			fmt.Fprintf(w, "trashed %s\n", out.AgentID)
		} else {
			fmt.Fprintf(w, "%s already gone\n", out.AgentID)
		}
		return nil
	case command.KindAccept:
		if out.Merge != nil {
			fmt.Fprintf(w, "merged %d file(s) into stable\n", out.Merge.FilesMerged)
		}
	}
	if out.Agent != nil {
		return renderAgent(w, *out.Agent, now)
	}
	return nil
}

func stateLabel(s lifecycle.State) string {
	if st, ok := stateStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func renderTable(w io.Writer, agents []lifecycle.Agent, now time.Time) error {
	if len(agents) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no agents"))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPRIORITY\tREFERENCE\tCHANGED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, stateLabel(a.State), a.Priority, a.Reference, age(now, a.StateChangedAt))
	}
	return tw.Flush()
}

func renderAgent(w io.Writer, a lifecycle.Agent, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "agent\t%s\n", a.ID)
	fmt.Fprintf(tw, "state\t%s (%s ago)\n", stateLabel(a.State), age(now, a.StateChangedAt))
	fmt.Fprintf(tw, "reference\t%s\n", a.Reference)
	fmt.Fprintf(tw, "priority\t%s\n", a.Priority)
	if a.Language != "" {
		fmt.Fprintf(tw, "language\t%s\n", a.Language)
	}
	if a.Submission != nil {
		fmt.Fprintf(tw, "summary\t%s\n", a.Submission.Summary)
		if len(a.Submission.ChangedFiles) > 0 {
			fmt.Fprintf(tw, "changed\t%s\n", strings.Join(a.Submission.ChangedFiles, ", "))
		}
	}
	if a.PreviewDir != "" {
		fmt.Fprintf(tw, "preview\t%s\n", a.PreviewDir)
	}
	if a.Error != nil {
		fmt.Fprintf(tw, "error\t%s\n", errorStyle.Render(a.Error.Error()))
	}
	return tw.Flush()
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
