package monitor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ProcessInfo describes one live agent process found in the process table.
type ProcessInfo struct {
	PID         int
	CommandLine string
	StartTime   time.Time // zero when the table cannot report it
}

// ProcessTable looks up a live agent process whose command line references a
// working-copy path. Implementations are read-only and safe for concurrent
// use.
type ProcessTable interface {
	Find(ctx context.Context, pathSubstring string) (ProcessInfo, bool)
}

// DetectProcessTable picks the richest available implementation at startup:
// procfs scanning where /proc exists, a ps-based fallback elsewhere. Lookup
// never hard-fails monitoring; a missing table just reports no process.
func DetectProcessTable(agentName string) ProcessTable {
	if info, err := os.Stat("/proc"); err == nil && info.IsDir() {
		return &ProcFS{Root: "/proc", AgentName: agentName}
	}
	return &PSFallback{AgentName: agentName}
}

// --- procfs implementation ---

// ProcFS scans /proc/*/cmdline for agent processes.
type ProcFS struct {
	Root      string // procfs mount point, normally /proc
	AgentName string // lowercase substring the command line must contain
}

// Find scans the process table for a command line containing pathSubstring.
func (p *ProcFS) Find(_ context.Context, pathSubstring string) (ProcessInfo, bool) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return ProcessInfo{}, false
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.Root, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
		if !p.matches(cmdline, pathSubstring) {
			continue
		}
		return ProcessInfo{
			PID:         pid,
			CommandLine: cmdline,
			StartTime:   p.startTime(entry.Name()),
		}, true
	}
	return ProcessInfo{}, false
}

func (p *ProcFS) matches(cmdline, pathSubstring string) bool {
	if pathSubstring == "" || !strings.Contains(cmdline, pathSubstring) {
		return false
	}
	if p.AgentName == "" {
		return true
	}
	return strings.Contains(strings.ToLower(cmdline), p.AgentName)
}

// startTime derives the process start from boot time plus the starttime field
// of /proc/<pid>/stat. Returns zero on any parse failure.
func (p *ProcFS) startTime(pid string) time.Time {
	boot, ok := p.bootTime()
	if !ok {
		return time.Time{}
	}
	raw, err := os.ReadFile(filepath.Join(p.Root, pid, "stat"))
	if err != nil {
		return time.Time{}
	}
	// The comm field may contain spaces; fields are stable after the
	// closing paren. starttime is overall field 22, so index 19 of the
	// remainder (state is field 3).
	stat := string(raw)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return time.Time{}
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 20 {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}
	}
	const clockTicksPerSecond = 100
	return boot.Add(time.Duration(ticks/clockTicksPerSecond) * time.Second)
}

func (p *ProcFS) bootTime() (time.Time, bool) {
	raw, err := os.ReadFile(filepath.Join(p.Root, "stat"))
	if err != nil {
		return time.Time{}, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// --- ps fallback ---

// PSFallback shells out to ps aux and substring-matches lines. Coarser than
// procfs: no start time, command line only from the trailing columns.
type PSFallback struct {
	AgentName string

	// runPS is swapped in tests; defaults to exec ps aux.
	runPS func(ctx context.Context) ([]byte, error)
}

// Find runs ps aux and returns the first matching process line.
func (p *PSFallback) Find(ctx context.Context, pathSubstring string) (ProcessInfo, bool) {
	run := p.runPS
	if run == nil {
		run = func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "ps", "aux").Output()
		}
	}
	out, err := run(ctx)
	if err != nil {
		return ProcessInfo{}, false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if pathSubstring == "" || !strings.Contains(line, pathSubstring) {
			continue
		}
		if p.AgentName != "" && !strings.Contains(strings.ToLower(line), p.AgentName) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		return ProcessInfo{PID: pid, CommandLine: strings.Join(fields[10:], " ")}, true
	}
	return ProcessInfo{}, false
}
