package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.foreman or FOREMAN_HOME
	StatePath  string // state.json or FOREMAN_STATE_PATH
	DBPath     string // foreman.db or FOREMAN_DB_PATH
	ConfigPath string // config.yaml or FOREMAN_CONFIG_PATH
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_STATE_PATH: durable state file (default: $FOREMAN_HOME/state.json)
//   - FOREMAN_DB_PATH: event log database (default: $FOREMAN_HOME/foreman.db)
//   - FOREMAN_CONFIG_PATH: config file (default: $FOREMAN_HOME/config.yaml)
//
// If FOREMAN_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the FOREMAN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		StatePath:  resolvePathWithEnv("FOREMAN_STATE_PATH", home, "state.json"),
		DBPath:     resolvePathWithEnv("FOREMAN_DB_PATH", home, "foreman.db"),
		ConfigPath: resolvePathWithEnv("FOREMAN_CONFIG_PATH", home, "config.yaml"),
	}, nil
}

// resolveHome returns the foreman home directory from FOREMAN_HOME or ~/.foreman.
func resolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".foreman"), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
