package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sandcastle/internal/doctor"
)

func newDoctorCmd(opts *globalOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and sandbox runtimes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var diag doctor.Diagnosis
			if cfg, err := opts.loadConfig(); err != nil {
				diag = doctor.Run(cmd.Context(), nil, version)
				diag.Results[0].Detail = err.Error()
			} else {
				diag = doctor.Run(cmd.Context(), &cfg, version)
			}
			w := cmd.OutOrStdout()
			if opts.json || !isTerminal(w) {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(w, diag)
			}
			if diag.Failed() {
				return fmt.Errorf("doctor found failing checks")
			}
			return nil
		},
	}
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "Sandcastle Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
