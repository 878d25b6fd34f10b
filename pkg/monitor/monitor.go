// Package monitor is the read-side reconciliation surface: it combines the
// dispatcher's state file, the OS process table, and on-disk conversation
// logs into instance views. It never mutates the state file; terminal status
// inference from conversation content is heuristic and best effort.
package monitor

import (
	"context"
	"sort"
	"strings"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/state"
)

// InstanceStatus is the observed status of one agent instance.
type InstanceStatus string

// Instance status values.
const (
	StatusRunning   InstanceStatus = "running"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusUnknown   InstanceStatus = "unknown"
)

// Instance is the combined view of one issue's agent: state-file record,
// process-table hit, and conversation log statistics.
type Instance struct {
	IssueNumber    int            `json:"issue_number"`
	RepoPath       string         `json:"repo_path,omitempty"`
	Branch         string         `json:"branch,omitempty"`
	PID            int            `json:"pid,omitempty"`
	Status         InstanceStatus `json:"status"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	RuntimeSeconds float64        `json:"runtime_seconds,omitempty"`
	MessageCount   int            `json:"message_count,omitempty"`
	LastActivity   *time.Time     `json:"last_activity,omitempty"`
	CommandLine    string         `json:"command_line,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Messages       []Message      `json:"-"`
}

// Report is the full monitoring view: live instances plus terminal records
// still present in the state file.
type Report struct {
	Timestamp time.Time  `json:"timestamp"`
	Active    []Instance `json:"active_instances"`
	Completed []Instance `json:"completed_instances"`
}

// Monitor reads dispatcher state and reconciles it against the process table
// and conversation logs.
type Monitor struct {
	cfg       *config.Config
	store     *state.Store
	proc      ProcessTable
	agentHome string
	nowFunc   func() time.Time
}

// New creates a Monitor over an already-loaded store. agentHome is the
// directory holding the agent's projects/ conversation logs.
func New(cfg *config.Config, store *state.Store, proc ProcessTable, agentHome string) *Monitor {
	return &Monitor{
		cfg:       cfg,
		store:     store,
		proc:      proc,
		agentHome: agentHome,
		nowFunc:   time.Now,
	}
}

// workPath resolves a record's working-copy path; empty when the record
// carries no usable slot or repo.
func (m *Monitor) workPath(rec state.Record) string {
	if rec.Slot() < 0 || rec.Repo == "" {
		return ""
	}
	path, err := m.cfg.CheckoutPath(rec.Slot(), rec.Repo)
	if err != nil {
		return ""
	}
	return path
}

// ActiveInstances returns every active record backed by a live process,
// enriched with conversation statistics. Records whose process has vanished
// are not included; InstanceStatus covers those.
func (m *Monitor) ActiveInstances(ctx context.Context) []Instance {
	var out []Instance
	for _, rec := range m.sortedRecords() {
		if !rec.Status.Active() {
			continue
		}
		path := m.workPath(rec)
		if path == "" {
			continue
		}
		info, live := m.proc.Find(ctx, path)
		if !live {
			continue
		}
		inst := m.baseInstance(rec, path)
		inst.Status = StatusRunning
		inst.PID = info.PID
		inst.CommandLine = info.CommandLine
		if !info.StartTime.IsZero() {
			start := info.StartTime
			inst.StartTime = &start
			inst.RuntimeSeconds = m.nowFunc().Sub(start).Seconds()
		}
		m.attachMessages(&inst, path, false)
		out = append(out, inst)
	}
	return out
}

// InstancesFromState is the state-file view used by the bare CLI invocation:
// every active record, live process or not, with its recent messages loaded.
// needs_input is shown as running; the process table cannot tell them apart.
func (m *Monitor) InstancesFromState(ctx context.Context) []Instance {
	var out []Instance
	for _, rec := range m.sortedRecords() {
		if !rec.Status.Active() {
			continue
		}
		path := m.workPath(rec)
		inst := m.baseInstance(rec, path)
		inst.Status = StatusRunning
		if start, ok := parseRecordTime(rec.StartTime); ok {
			inst.StartTime = &start
			inst.RuntimeSeconds = m.nowFunc().Sub(start).Seconds()
		}
		if path != "" {
			if info, live := m.proc.Find(ctx, path); live {
				inst.PID = info.PID
				inst.CommandLine = info.CommandLine
			}
			m.attachMessages(&inst, path, true)
		}
		out = append(out, inst)
	}
	return out
}

// InstanceStatus is the deep per-issue view. When no live process exists the
// terminal status is inferred from the conversation log: an error keyword in
// the last message means failed, a last message authored by the agent means
// completed, anything else is unknown.
func (m *Monitor) InstanceStatus(ctx context.Context, issueNumber int) (Instance, bool) {
	rec, ok := m.store.Get(issueNumber)
	if !ok {
		return Instance{}, false
	}
	path := m.workPath(rec)
	inst := m.baseInstance(rec, path)
	inst.Status = StatusUnknown

	var live bool
	if path != "" {
		var info ProcessInfo
		if info, live = m.proc.Find(ctx, path); live {
			inst.Status = StatusRunning
			inst.PID = info.PID
			inst.CommandLine = info.CommandLine
			if !info.StartTime.IsZero() {
				start := info.StartTime
				inst.StartTime = &start
				inst.RuntimeSeconds = m.nowFunc().Sub(start).Seconds()
			}
		}
	}

	messages := ReadMessages(ConversationDir(m.agentHome, path), rec.SessionID)
	if len(messages) > 0 {
		inst.Messages = messages
		inst.MessageCount = len(messages)
		if inst.SessionID == "" {
			inst.SessionID = messages[0].SessionID
		}
		if inst.StartTime == nil {
			start := messages[0].Timestamp
			inst.StartTime = &start
		}
		last := messages[len(messages)-1]
		lastTS := last.Timestamp
		inst.LastActivity = &lastTS

		if !live {
			inst.Status = inferTerminalStatus(last)
			if inst.Status == StatusCompleted {
				inst.EndTime = &lastTS
			}
			if inst.StartTime != nil {
				end := lastTS
				if inst.EndTime != nil {
					end = *inst.EndTime
				}
				inst.RuntimeSeconds = end.Sub(*inst.StartTime).Seconds()
			}
		}
	}
	return inst, true
}

// FullReport combines live instances with a best-effort reconstruction of
// terminal records still sitting in the state file.
func (m *Monitor) FullReport(ctx context.Context) Report {
	report := Report{Timestamp: m.nowFunc()}
	report.Active = m.ActiveInstances(ctx)

	activeIssues := make(map[int]bool)
	for _, inst := range report.Active {
		activeIssues[inst.IssueNumber] = true
	}

	for _, rec := range m.sortedRecords() {
		if activeIssues[rec.IssueNumber] || !rec.Status.Terminal() {
			continue
		}
		path := m.workPath(rec)
		inst := m.baseInstance(rec, path)
		switch rec.Status {
		case state.StatusCompleted:
			inst.Status = StatusCompleted
		case state.StatusFailed:
			inst.Status = StatusFailed
		}
		start, hasStart := parseRecordTime(rec.StartTime)
		if hasStart {
			inst.StartTime = &start
		}
		if end, ok := parseRecordTime(rec.EndTime); ok {
			inst.EndTime = &end
			if hasStart {
				inst.RuntimeSeconds = end.Sub(start).Seconds()
			}
		} else if hasStart {
			inst.RuntimeSeconds = m.nowFunc().Sub(start).Seconds()
		}
		if path != "" {
			m.attachMessages(&inst, path, false)
		}
		report.Completed = append(report.Completed, inst)
	}
	return report
}

// ConversationHistory returns the issue's messages in chronological order,
// filtered to the record's session when one was captured.
func (m *Monitor) ConversationHistory(issueNumber int) []Message {
	rec, ok := m.store.Get(issueNumber)
	if !ok {
		return nil
	}
	path := m.workPath(rec)
	if path == "" {
		return nil
	}
	return ReadMessages(ConversationDir(m.agentHome, path), rec.SessionID)
}

// --- helpers ---

func (m *Monitor) baseInstance(rec state.Record, path string) Instance {
	branch := rec.Branch
	if branch == "" {
		branch = state.BranchFor(rec.IssueNumber)
	}
	return Instance{
		IssueNumber: rec.IssueNumber,
		RepoPath:    path,
		Branch:      branch,
		SessionID:   rec.SessionID,
	}
}

// attachMessages fills message statistics from the conversation log. When
// keep is true the messages themselves stay on the instance for rendering.
func (m *Monitor) attachMessages(inst *Instance, path string, keep bool) {
	messages := ReadMessages(ConversationDir(m.agentHome, path), inst.SessionID)
	if len(messages) == 0 {
		return
	}
	inst.MessageCount = len(messages)
	last := messages[len(messages)-1].Timestamp
	inst.LastActivity = &last
	if inst.SessionID == "" {
		inst.SessionID = messages[0].SessionID
	}
	if keep {
		inst.Messages = messages
	}
}

func (m *Monitor) sortedRecords() []state.Record {
	all := m.store.All()
	numbers := make([]int, 0, len(all))
	for n := range all {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	out := make([]state.Record, 0, len(all))
	for _, n := range numbers {
		out = append(out, all[n])
	}
	return out
}

func parseRecordTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// inferTerminalStatus guesses the outcome from the last conversation message.
func inferTerminalStatus(last Message) InstanceStatus {
	content := strings.ToLower(last.Content)
	if strings.Contains(content, "error") || strings.Contains(content, "failed") {
		return StatusFailed
	}
	if last.Role == "assistant" {
		return StatusCompleted
	}
	return StatusUnknown
}
