package main

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/pkg/dispatcher"
	"foreman/pkg/monitor"
	"foreman/pkg/state"

	_ "modernc.org/sqlite"
)

// setupHome points all foreman paths at a temp home with a minimal valid
// config, returning the checkout base path.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	base := t.TempDir()
	agentHome := t.TempDir()

	t.Setenv("FOREMAN_HOME", home)
	t.Setenv("FOREMAN_STATE_PATH", "")
	t.Setenv("FOREMAN_DB_PATH", "")
	t.Setenv("FOREMAN_CONFIG_PATH", "")

	cfg := fmt.Sprintf(`max_concurrent: 2
tracker:
  token: test-token
  repos:
    - name: org/app
      base_path: %s
agent:
  home: %s
`, base, agentHome)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return base
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestStatusUnknownIssuePrintsInfoNotError(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "status", "--issue", "999")
	if err != nil {
		t.Fatalf("status must not fail for unknown issues: %v", err)
	}
	if !strings.Contains(out, "No instance found for issue #999") {
		t.Fatalf("output: %q", out)
	}
}

func TestStatusNoActiveInstances(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No active instances found") {
		t.Fatalf("output: %q", out)
	}
}

func TestBareInvocationShowsRecentWork(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t)
	if err != nil {
		t.Fatalf("bare invocation: %v", err)
	}
	if !strings.Contains(out, "No active instances. Recent completed work:") {
		t.Fatalf("output: %q", out)
	}
	if !strings.Contains(out, "No recent completed work found.") {
		t.Fatalf("output: %q", out)
	}
}

func TestBareInvocationShowsActiveFromState(t *testing.T) {
	setupHome(t)
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}

	store := state.NewStore(paths.StatePath)
	slot := 0
	store.Set(12, state.Record{
		IssueNumber: 12,
		Status:      state.StatusRunning,
		Branch:      "issue-12",
		StartTime:   "2026-08-30T10:00:00Z",
		SlotIndex:   &slot,
		Repo:        "org/app",
	})
	if err := store.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	out, err := runCLI(t)
	if err != nil {
		t.Fatalf("bare invocation: %v", err)
	}
	if !strings.Contains(out, "Active agent instances:") || !strings.Contains(out, "Issue #12") {
		t.Fatalf("output: %q", out)
	}
}

func TestHistoryRequiresIssueFlag(t *testing.T) {
	setupHome(t)

	_, err := runCLI(t, "history")
	if err == nil || !strings.Contains(err.Error(), "--issue is required") {
		t.Fatalf("want required-flag error, got %v", err)
	}
}

func TestHistoryMissingConversation(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "history", "--issue", "42")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No conversation history found for issue #42") {
		t.Fatalf("output: %q", out)
	}
}

func TestMonitorReportJSON(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "monitor", "--format", "json")
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if !strings.Contains(out, `"active_instances"`) {
		t.Fatalf("output: %q", out)
	}
}

func TestLogsCommandPrintsEvents(t *testing.T) {
	setupHome(t)
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}

	db, err := sql.Open("sqlite", paths.DBPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(dispatcher.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO events (cycle_id, type, source, issue_number, repo, payload) VALUES ('cycle-1', 'admit', 'dispatcher', 7, 'org/app', 'slot=0')`,
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	out, err := runCLI(t, "logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "admit") || !strings.Contains(out, "#7") {
		t.Fatalf("output: %q", out)
	}
}

func TestLogsCommandTimeRangeFilters(t *testing.T) {
	setupHome(t)
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}

	db, err := sql.Open("sqlite", paths.DBPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(dispatcher.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	rows := []struct{ typ, ts string }{
		{"cycle_start", "2026-08-30 09:00:00"},
		{"admit", "2026-08-30 10:00:00"},
		{"cycle_end", "2026-08-30 11:00:00"},
	}
	for _, r := range rows {
		if _, err := db.Exec(
			`INSERT INTO events (cycle_id, type, source, issue_number, created_at) VALUES ('cycle-1', ?, 'dispatcher', 7, ?)`,
			r.typ, r.ts,
		); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Close()

	out, err := runCLI(t, "logs", "--since", "2026-08-30 09:30:00", "--until", "2026-08-30 10:30:00")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "admit") {
		t.Fatalf("output: %q", out)
	}
	if strings.Contains(out, "cycle_start") || strings.Contains(out, "cycle_end") {
		t.Fatalf("time range not applied: %q", out)
	}

	if _, err := runCLI(t, "logs", "--since", "not a time"); err == nil {
		t.Fatal("want parse error for bad --since value")
	}
}

func TestLogsCommandNoDatabase(t *testing.T) {
	setupHome(t)

	_, err := runCLI(t, "logs")
	if err == nil || !strings.Contains(err.Error(), "open event log") {
		t.Fatalf("want open error, got %v", err)
	}
}

func TestStatusJSONInstance(t *testing.T) {
	base := setupHome(t)
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}

	// A needs_input record with a conversation whose last message is from
	// the agent is inferred completed when no process is live.
	store := state.NewStore(paths.StatePath)
	slot := 0
	store.Set(3, state.Record{
		IssueNumber: 3,
		Status:      state.StatusNeedsInput,
		Branch:      "issue-3",
		StartTime:   "2026-08-30T10:00:00Z",
		SlotIndex:   &slot,
		Repo:        "org/app",
		SessionID:   "sess-3",
	})
	if err := store.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	work := filepath.Join(base, "app_agent_0")
	cfgHome := conversationHomeFromConfig(t)
	dir := monitor.ConversationDir(cfgHome, work)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := `{"sessionId":"sess-3","timestamp":"2026-08-30T10:30:00Z","message":{"role":"assistant","content":"opened a pull request"}}`
	if err := os.WriteFile(filepath.Join(dir, "sess-3.jsonl"), []byte(line+"\n"), 0o644); err != nil {
		t.Fatalf("write conversation: %v", err)
	}

	out, err := runCLI(t, "status", "--issue", "3", "--format", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status": "completed"`) {
		t.Fatalf("output: %q", out)
	}
}

// conversationHomeFromConfig re-reads the agent home the test config wrote.
func conversationHomeFromConfig(t *testing.T) string {
	t.Helper()
	cmd := newRootCmd()
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	home, err := cfg.AgentHome()
	if err != nil {
		t.Fatalf("agent home: %v", err)
	}
	return home
}
