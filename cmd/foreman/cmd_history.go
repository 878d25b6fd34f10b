package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newHistoryCmd creates the "foreman history" subcommand.
func newHistoryCmd() *cobra.Command {
	var (
		issue  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show an issue's conversation history",
		Long:  "Displays the agent conversation log for an issue in chronological\norder, filtered to the captured session when one is known.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issue == 0 {
				return fmt.Errorf("--issue is required")
			}

			m, err := newMonitor(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			messages := m.ConversationHistory(issue)
			if len(messages) == 0 {
				fmt.Fprintf(w, "No conversation history found for issue #%d\n", issue)
				return nil
			}

			out, err := newRenderer(format).Messages(messages)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, out)
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "issue number (required)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text or json)")

	return cmd
}
