package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// promptTemplate is the fixed task description handed to the agent. Only the
// issue number varies.
const promptTemplate = `<prompt>
# Issue Workflow for Issue #$ARGUMENT$

## Setup Phase
1. Fetch latest branches: git fetch origin
2. Get issue details: gh issue view $ARGUMENT$ --json title -q .title

## Analysis Phase
1. Read the full issue content and ALL comments: gh issue view $ARGUMENT$ --comments
2. Analyze the requirements and context thoroughly
3. If clarifications are needed, post the questions as a comment on issue $ARGUMENT$

## Implementation Phase
1. Execute the plan step by step; write tests before the implementation
2. Ensure consistency with existing code in the branch
3. Run lint and the test suite before git commit and push
4. Create the PR

## Important Notes
- Always use the gh CLI for GitHub operations
- Keep detailed records of all actions as PR/issue comments
</prompt>
<ARGUMENT>%d</ARGUMENT>`

// PromptFor returns the prompt for an issue.
func PromptFor(issueNumber int) string {
	return fmt.Sprintf(promptTemplate, issueNumber)
}

// ExecSpawner is the production Spawner. It invokes the configured agent
// binary with the prompt and stream-json output so session ids appear on
// stdout.
type ExecSpawner struct {
	// BinPath is the agent executable (e.g. "agent" on PATH).
	BinPath string
}

// Spawn starts the agent subprocess in dir with its own process group, so
// Terminate can stop the whole tree.
func (s *ExecSpawner) Spawn(ctx context.Context, issueNumber int, dir string) (Process, error) {
	//nolint:gosec // BinPath comes from config, not user input
	cmd := exec.CommandContext(ctx, s.BinPath,
		"--dangerously-skip-permissions",
		"-p", PromptFor(issueNumber),
		"--output-format", "stream-json",
		"--verbose",
	)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", s.BinPath, err)
	}
	return &cmdProcess{cmd: cmd, stdout: stdout, stderr: &stderr}, nil
}

// cmdProcess wraps *exec.Cmd to implement the Process interface.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *bytes.Buffer
}

func (p *cmdProcess) Stdout() io.Reader { return p.stdout }

func (p *cmdProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("agent process: %w", err)
	}
	return nil
}

func (p *cmdProcess) Stderr() string {
	return strings.TrimSpace(p.stderr.String())
}

// Terminate sends SIGTERM to the agent's process group so descendant
// processes are stopped with it.
func (p *cmdProcess) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group for agents that trap SIGTERM.
func (p *cmdProcess) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *cmdProcess) signalGroup(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid := p.cmd.Process.Pid
	if err := syscall.Kill(-pgid, sig); err != nil {
		// Process group already gone; fall back to a direct kill.
		if killErr := p.cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("signal agent pid %s: %w", strconv.Itoa(p.cmd.Process.Pid), killErr)
		}
	}
	return nil
}
