package main

import (
	"fmt"
	"io"
	"time"

	"foreman/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "foreman logs" subcommand.
func newLogsCmd() *cobra.Command {
	var (
		tail    int
		cycleID string
		issue   int
		evType  string
		since   string
		until   string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the dispatch event log",
		Long:  "Displays events from the dispatcher's SQLite event log.\nFilter by cycle, issue, event type, or time range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			r, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			after, err := parseEventTime(since)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			before, err := parseEventTime(until)
			if err != nil {
				return fmt.Errorf("parse --until: %w", err)
			}

			events, err := r.Query(cmd.Context(), eventlog.QueryOpts{
				CycleID:     cycleID,
				IssueNumber: issue,
				EventType:   evType,
				After:       after,
				Before:      before,
				Limit:       tail,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "no events found")
				return nil
			}

			// Query returns newest first; print chronologically.
			for i := len(events) - 1; i >= 0; i-- {
				formatEvent(w, events[i])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 20, "number of recent events to show")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "filter by dispatch cycle id")
	cmd.Flags().IntVar(&issue, "issue", 0, "filter by issue number")
	cmd.Flags().StringVar(&evType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&since, "since", "", `show events at or after this time ("2006-01-02 15:04:05" or RFC 3339)`)
	cmd.Flags().StringVar(&until, "until", "", `show events at or before this time ("2006-01-02 15:04:05" or RFC 3339)`)

	return cmd
}

// parseEventTime accepts the event log's own timestamp format or RFC 3339.
// An empty value means no bound.
func parseEventTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e eventlog.Event) {
	issue := ""
	if e.IssueNumber != 0 {
		issue = fmt.Sprintf("#%d", e.IssueNumber)
	}
	fmt.Fprintf(w, "%s | %-8s | %-18s | %-6s | %-12s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), shortCycle(e.CycleID), e.Type, issue, e.Source, e.Payload)
}

// shortCycle abbreviates a cycle UUID for display.
func shortCycle(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
