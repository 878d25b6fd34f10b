package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// newMonitorCmd creates the "foreman monitor" subcommand.
func newMonitorCmd() *cobra.Command {
	var (
		format string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show the full monitoring report",
		Long:  "Displays every live agent instance plus terminal records still in the\nstate file. With --follow, re-renders whenever the state file changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !follow {
				return printReport(cmd, format)
			}
			return followReport(cmd, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text or json)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "re-render when the state file changes")

	return cmd
}

func printReport(cmd *cobra.Command, format string) error {
	m, err := newMonitor(cmd)
	if err != nil {
		return err
	}
	out, err := newRenderer(format).Report(m.FullReport(cmd.Context()))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

// followReport re-renders the report on every state-file change. The state
// file is replaced by rename on each persist, so the watch covers its
// directory; a slow ticker backstops platforms where the watcher misses
// events.
func followReport(cmd *cobra.Command, format string) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	if err := printReport(cmd, format); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// No watcher available; poll only.
		return pollReport(cmd.Context(), cmd, format, nil)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(paths.StatePath)); err != nil {
		return pollReport(cmd.Context(), cmd, format, nil)
	}

	stateName := filepath.Base(paths.StatePath)
	changes := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != stateName {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return pollReport(cmd.Context(), cmd, format, changes)
}

// pollReport re-renders on change notifications and on a fallback interval.
func pollReport(ctx context.Context, cmd *cobra.Command, format string, changes <-chan struct{}) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	render := func() error {
		fmt.Fprintln(cmd.OutOrStdout(), separator)
		return printReport(cmd, format)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			if err := render(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}
