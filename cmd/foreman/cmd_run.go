package main

import (
	"fmt"
	"os"

	"foreman/pkg/agent"
	"foreman/pkg/checkout"
	"foreman/pkg/dispatcher"
	"foreman/pkg/notify"
	"foreman/pkg/state"
	"foreman/pkg/tracker"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "foreman run" subcommand. One invocation performs one
// dispatch cycle; an external scheduler (cron, systemd timer) provides the
// polling loop.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one dispatch cycle",
		Long:  "Fetches ready issues from every configured repository, admits new work\nup to the concurrency limit, and runs an agent for each admitted issue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(paths.Home, 0o755); err != nil {
				return fmt.Errorf("create foreman home: %w", err)
			}

			store := state.NewStore(paths.StatePath)
			trk := tracker.NewClient(cfg.Tracker.Token)

			logf := func(format string, a ...any) {
				fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", a...)
			}
			checkouts := checkout.NewManager(&checkout.ExecRunner{}, cfg.CheckoutPath, logf)

			spawner := &agent.ExecSpawner{BinPath: cfg.Agent.Path}
			factory := func(sink agent.SessionSink) dispatcher.AgentRunner {
				return agent.NewRunner(spawner, sink, cfg.AgentTimeout(), cfg.AgentCheckInterval())
			}

			var sinks []notify.Notifier
			if cfg.Slack.BotToken != "" && cfg.Slack.ChannelID != "" {
				sinks = append(sinks, notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID))
			}
			if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
				sinks = append(sinks, notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
			}
			fanout := notify.NewFanout(sinks...)

			db, err := openDB(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			events, err := dispatcher.NewEventLog(db)
			if err != nil {
				return err
			}

			d := dispatcher.New(cfg, store, trk, checkouts, factory, fanout, events)
			return d.RunCycle(cmd.Context())
		},
	}
}
