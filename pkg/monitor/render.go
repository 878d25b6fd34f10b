package monitor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the status colors used in text output.
type Theme struct {
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the standard terminal palette.
func DefaultTheme() Theme {
	return Theme{
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Renderer formats monitor views as text or JSON. Color applies to text
// output only and should track whether stdout is a TTY.
type Renderer struct {
	Format string // "text" or "json"
	Color  bool
	theme  Theme
}

// NewRenderer creates a Renderer with the default theme.
func NewRenderer(format string, color bool) *Renderer {
	return &Renderer{Format: format, Color: color, theme: DefaultTheme()}
}

func (r *Renderer) statusText(status InstanceStatus) string {
	if !r.Color {
		return string(status)
	}
	style := lipgloss.NewStyle()
	switch status {
	case StatusRunning:
		style = style.Foreground(r.theme.Success)
	case StatusCompleted:
		style = style.Foreground(r.theme.Muted)
	case StatusFailed:
		style = style.Foreground(r.theme.Error)
	default:
		style = style.Foreground(r.theme.Warning)
	}
	return style.Render(string(status))
}

// Instance renders one instance view.
func (r *Renderer) Instance(inst Instance) (string, error) {
	if r.Format == "json" {
		data, err := json.MarshalIndent(inst, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal instance: %w", err)
		}
		return string(data), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d\n", inst.IssueNumber)
	fmt.Fprintf(&b, "  Status: %s\n", r.statusText(inst.Status))
	if inst.RepoPath != "" {
		fmt.Fprintf(&b, "  Repo: %s\n", inst.RepoPath)
	}
	if inst.Branch != "" {
		fmt.Fprintf(&b, "  Branch: %s\n", inst.Branch)
	}
	if inst.PID != 0 {
		fmt.Fprintf(&b, "  PID: %d\n", inst.PID)
	}
	if inst.RuntimeSeconds > 0 {
		fmt.Fprintf(&b, "  Runtime: %.1fs\n", inst.RuntimeSeconds)
	}
	if inst.MessageCount > 0 {
		fmt.Fprintf(&b, "  Messages: %d\n", inst.MessageCount)
	}
	if inst.LastActivity != nil {
		fmt.Fprintf(&b, "  Last Activity: %s\n", inst.LastActivity.Format("2006-01-02 15:04:05"))
	}
	if len(inst.Messages) > 0 {
		b.WriteString("\n  Conversation:\n")
		b.WriteString("  " + strings.Repeat("-", 40) + "\n")
		recent := inst.Messages
		if len(recent) > 5 {
			fmt.Fprintf(&b, "  (Showing last 5 of %d messages)\n", len(recent))
			recent = recent[len(recent)-5:]
		}
		for _, msg := range recent {
			b.WriteString("  " + formatMessageLine(msg) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Messages renders a conversation history.
func (r *Renderer) Messages(messages []Message) (string, error) {
	if r.Format == "json" {
		data, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal messages: %w", err)
		}
		return string(data), nil
	}

	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s] %s:\n", msg.Timestamp.Format("15:04:05"), strings.ToUpper(msg.Role))
		fmt.Fprintf(&b, "  %s\n\n", truncateContent(msg.Content, 200))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Report renders the full monitoring report.
func (r *Renderer) Report(report Report) (string, error) {
	if r.Format == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal report: %w", err)
		}
		return string(data), nil
	}

	var b strings.Builder
	b.WriteString("Agent Instance Monitor Report\n")
	fmt.Fprintf(&b, "Generated: %s\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&b, "Total Instances: %d\n", len(report.Active)+len(report.Completed))
	fmt.Fprintf(&b, "Active: %d\n", len(report.Active))
	fmt.Fprintf(&b, "Completed: %d\n", len(report.Completed))

	if len(report.Active) > 0 {
		b.WriteString("\nACTIVE INSTANCES:\n")
		b.WriteString(strings.Repeat("-", 40) + "\n")
		for _, inst := range report.Active {
			r.writeReportEntry(&b, inst, true)
		}
	}
	if len(report.Completed) > 0 {
		b.WriteString("\nCOMPLETED INSTANCES:\n")
		b.WriteString(strings.Repeat("-", 40) + "\n")
		for _, inst := range report.Completed {
			r.writeReportEntry(&b, inst, false)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Renderer) writeReportEntry(b *strings.Builder, inst Instance, withPID bool) {
	fmt.Fprintf(b, "  Issue #%d:\n", inst.IssueNumber)
	if withPID {
		pid := "N/A"
		if inst.PID != 0 {
			pid = fmt.Sprintf("%d", inst.PID)
		}
		fmt.Fprintf(b, "    PID: %s\n", pid)
	}
	fmt.Fprintf(b, "    Status: %s\n", r.statusText(inst.Status))
	runtime := "N/A"
	if inst.RuntimeSeconds > 0 {
		runtime = fmt.Sprintf("%.1fs", inst.RuntimeSeconds)
	}
	fmt.Fprintf(b, "    Runtime: %s\n", runtime)
	fmt.Fprintf(b, "    Messages: %d\n", inst.MessageCount)
	if inst.LastActivity != nil {
		fmt.Fprintf(b, "    Last Activity: %s\n", inst.LastActivity.Format("15:04:05"))
	}
	b.WriteString("\n")
}

func formatMessageLine(msg Message) string {
	role := "USER"
	if msg.Role == "assistant" {
		role = "AGENT"
	}
	content := strings.ReplaceAll(truncateContent(msg.Content, 200), "\n", " ")
	return fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Format("15:04:05"), role, content)
}

func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
