package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	var (
		issue  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent instance status",
		Long:  "Displays process-verified active instances, or a deep per-issue view\ncombining process table and conversation log data with --issue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMonitor(cmd)
			if err != nil {
				return err
			}
			r := newRenderer(format)
			w := cmd.OutOrStdout()

			if issue != 0 {
				inst, ok := m.InstanceStatus(cmd.Context(), issue)
				if !ok {
					fmt.Fprintf(w, "No instance found for issue #%d\n", issue)
					return nil
				}
				out, err := r.Instance(inst)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, out)
				return nil
			}

			instances := m.ActiveInstances(cmd.Context())
			if len(instances) == 0 {
				fmt.Fprintln(w, "No active instances found")
				return nil
			}
			for _, inst := range instances {
				out, err := r.Instance(inst)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, out)
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "issue number for a deep status view")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text or json)")

	return cmd
}
