// Package config loads foreman configuration from YAML or TOML and resolves
// per-slot checkout paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// RepoConfig describes one tracked repository.
type RepoConfig struct {
	// Name is the owner/repo identifier used against the tracker API.
	Name string `yaml:"name" toml:"name"`
	// BasePath is the directory under which per-slot checkouts are created.
	BasePath string `yaml:"base_path" toml:"base_path"`
}

// TrackerConfig holds ticket-tracker settings.
type TrackerConfig struct {
	Token  string       `yaml:"token" toml:"token"`
	Repos  []RepoConfig `yaml:"repos" toml:"repos"`
	Labels LabelConfig  `yaml:"labels" toml:"labels"`
}

// LabelConfig names the lifecycle labels the dispatcher mutates.
type LabelConfig struct {
	Ready     string `yaml:"ready" toml:"ready"`
	Working   string `yaml:"working" toml:"working"`
	Completed string `yaml:"completed" toml:"completed"`
	Failed    string `yaml:"failed" toml:"failed"`
}

// AgentConfig holds external coding-agent settings.
type AgentConfig struct {
	// Path is the agent binary (default "agent" on PATH).
	Path string `yaml:"path" toml:"path"`
	// TimeoutSeconds bounds one agent run (default 3600).
	TimeoutSeconds int `yaml:"timeout_seconds" toml:"timeout_seconds"`
	// CheckIntervalSeconds is the completion poll interval (default 5).
	CheckIntervalSeconds int `yaml:"check_interval" toml:"check_interval"`
	// Home is the agent's home directory holding conversation logs
	// (default ~/.agent).
	Home string `yaml:"home" toml:"home"`
}

// SlackConfig holds Slack notification settings. Empty token disables the sink.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token" toml:"bot_token"`
	ChannelID string `yaml:"channel_id" toml:"channel_id"`
}

// TelegramConfig holds Telegram notification settings. Empty token disables
// the sink.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	ChatID   string `yaml:"chat_id" toml:"chat_id"`
}

// Config is the full foreman configuration.
type Config struct {
	MaxConcurrent int            `yaml:"max_concurrent" toml:"max_concurrent"`
	Tracker       TrackerConfig  `yaml:"tracker" toml:"tracker"`
	Agent         AgentConfig    `yaml:"agent" toml:"agent"`
	Slack         SlackConfig    `yaml:"slack" toml:"slack"`
	Telegram      TelegramConfig `yaml:"telegram" toml:"telegram"`
}

// Load reads a config file, choosing the parser by extension (.yaml/.yml or
// .toml), validates required fields, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path comes from the CLI flag or Paths resolver
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .yaml, .yml, or .toml)", ext)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	out := cfg.withDefaults()
	return &out, nil
}

func (c *Config) validate() error {
	if c.Tracker.Token == "" {
		return fmt.Errorf("tracker.token is required")
	}
	if len(c.Tracker.Repos) == 0 {
		return fmt.Errorf("tracker.repos must list at least one repository")
	}
	for i, repo := range c.Tracker.Repos {
		if repo.Name == "" || !strings.Contains(repo.Name, "/") {
			return fmt.Errorf("tracker.repos[%d].name must be owner/repo, got %q", i, repo.Name)
		}
		if repo.BasePath == "" {
			return fmt.Errorf("tracker.repos[%d].base_path is required", i)
		}
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent == 0 {
		out.MaxConcurrent = 3
	}
	if out.Agent.Path == "" {
		out.Agent.Path = "agent"
	}
	if out.Agent.TimeoutSeconds == 0 {
		out.Agent.TimeoutSeconds = 3600
	}
	if out.Agent.CheckIntervalSeconds == 0 {
		out.Agent.CheckIntervalSeconds = 5
	}
	if out.Tracker.Labels.Ready == "" {
		out.Tracker.Labels.Ready = "ready-for-agent"
	}
	if out.Tracker.Labels.Working == "" {
		out.Tracker.Labels.Working = "agent-working"
	}
	if out.Tracker.Labels.Completed == "" {
		out.Tracker.Labels.Completed = "agent-completed"
	}
	if out.Tracker.Labels.Failed == "" {
		out.Tracker.Labels.Failed = "agent-failed"
	}
	return out
}

// AgentTimeout returns the agent run timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// AgentCheckInterval returns the completion poll interval as a duration.
func (c *Config) AgentCheckInterval() time.Duration {
	return time.Duration(c.Agent.CheckIntervalSeconds) * time.Second
}

// RepoByName returns the configuration for a repository, or false if it is
// not configured.
func (c *Config) RepoByName(name string) (RepoConfig, bool) {
	for _, repo := range c.Tracker.Repos {
		if repo.Name == name {
			return repo, true
		}
	}
	return RepoConfig{}, false
}

// CheckoutPath returns the deterministic per-slot working-copy path for a
// repository: <base_path>/<repoShort>_agent_<slot>.
func (c *Config) CheckoutPath(slot int, repoName string) (string, error) {
	repo, ok := c.RepoByName(repoName)
	if !ok {
		return "", fmt.Errorf("repository %q not configured", repoName)
	}
	base, err := expandPath(repo.BasePath)
	if err != nil {
		return "", err
	}
	short := repoName[strings.LastIndex(repoName, "/")+1:]
	return filepath.Join(base, fmt.Sprintf("%s_agent_%d", short, slot)), nil
}

// AgentHome returns the agent home directory holding conversation logs.
func (c *Config) AgentHome() (string, error) {
	if c.Agent.Home != "" {
		return expandPath(c.Agent.Home)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".agent"), nil
}

// expandPath resolves a leading ~ and returns an absolute path.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", p, err)
	}
	return abs, nil
}
