package main

import (
	"fmt"
	"sort"
	"time"

	"foreman/internal/buildinfo"
	"foreman/pkg/monitor"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
// A bare invocation shows current active work or, absent any, the most recent
// terminal records.
func newRootCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Ticket-driven coding agent dispatcher",
		Long:          "foreman polls the issue tracker for labeled work items and dispatches\neach to an isolated coding agent in a per-slot repository checkout.",
		Version:       fmt.Sprintf("foreman %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverview(cmd, format)
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().String("config", "", "path to config file (default: $FOREMAN_HOME/config.yaml)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text or json)")

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newMonitorCmd(),
		newLogsCmd(),
	)

	return cmd
}

// runOverview implements the bare invocation: active work from the state
// file, else the most recent completed work.
func runOverview(cmd *cobra.Command, format string) error {
	m, err := newMonitor(cmd)
	if err != nil {
		return err
	}
	r := newRenderer(format)
	w := cmd.OutOrStdout()

	active := m.InstancesFromState(cmd.Context())
	if len(active) > 0 {
		fmt.Fprintln(w, "Active agent instances:")
		fmt.Fprintln(w, separator)
		for _, inst := range active {
			out, err := r.Instance(inst)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, out)
			fmt.Fprintln(w)
		}
		return nil
	}

	fmt.Fprintln(w, "No active instances. Recent completed work:")
	fmt.Fprintln(w, separator)

	report := m.FullReport(cmd.Context())
	if len(report.Completed) == 0 {
		fmt.Fprintln(w, "No recent completed work found.")
		return nil
	}

	recent := append([]monitor.Instance(nil), report.Completed...)
	sort.Slice(recent, func(i, j int) bool {
		return instanceSortTime(recent[i]).After(instanceSortTime(recent[j]))
	})
	if len(recent) > 5 {
		recent = recent[:5]
	}
	for _, inst := range recent {
		out, err := r.Instance(inst)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
		fmt.Fprintln(w)
	}
	return nil
}

func instanceSortTime(inst monitor.Instance) time.Time {
	if inst.EndTime != nil {
		return *inst.EndTime
	}
	if inst.LastActivity != nil {
		return *inst.LastActivity
	}
	return time.Time{}
}
