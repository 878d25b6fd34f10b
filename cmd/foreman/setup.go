package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"foreman/pkg/config"
	"foreman/pkg/monitor"
	"foreman/pkg/state"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const separator = "============================================================"

// loadConfig reads the config file from --config or the resolved default path.
func loadConfig(cmd *cobra.Command) (*config.Config, *Paths, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil || cfgPath == "" {
		cfgPath = paths.ConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, paths, nil
}

// newMonitor builds the read-side monitor over the current state file.
func newMonitor(cmd *cobra.Command) (*monitor.Monitor, error) {
	cfg, paths, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store := state.NewStore(paths.StatePath)
	agentHome, err := cfg.AgentHome()
	if err != nil {
		return nil, fmt.Errorf("resolve agent home: %w", err)
	}
	agentName := strings.ToLower(filepath.Base(cfg.Agent.Path))
	proc := monitor.DetectProcessTable(agentName)
	return monitor.New(cfg, store, proc, agentHome), nil
}

// newRenderer builds a renderer; color applies only to text output on a TTY.
func newRenderer(format string) *monitor.Renderer {
	color := format == "text" && isatty.IsTerminal(os.Stdout.Fd())
	return monitor.NewRenderer(format, color)
}
