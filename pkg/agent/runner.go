// Package agent launches and supervises the external coding-agent subprocess.
// The agent is opaque: it reads a fixed prompt parameterized by issue number
// and emits newline-delimited JSON progress records on stdout, at least one of
// which carries a session identifier. The runner's only jobs are to capture
// that session id the moment it appears, bound the run by a wall-clock
// timeout, and map the exit to a terminal status.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"foreman/pkg/state"
)

// Spawner abstracts agent subprocess invocation for testing.
type Spawner interface {
	Spawn(ctx context.Context, issueNumber int, dir string) (Process, error)
}

// Process abstracts a running agent subprocess.
type Process interface {
	// Stdout is the agent's progress stream. Valid until Wait returns.
	Stdout() io.Reader
	// Wait blocks until the subprocess exits; nil means exit code 0.
	Wait() error
	// Stderr returns captured standard error, valid after Wait returns.
	Stderr() string
	// Terminate asks the subprocess to stop.
	Terminate() error
	// Kill force-stops the subprocess when Terminate was ignored.
	Kill() error
}

// SessionSink receives the session id as soon as it is extracted from the
// stream. Implementations persist it immediately — a crash after this point
// must not lose the ability to resume the conversation.
type SessionSink interface {
	CaptureSession(issueNumber int, sessionID string)
}

// Result is the terminal outcome of one agent run.
type Result struct {
	Status     state.Status // completed or failed
	SessionID  string
	Err        string // failure detail, empty on success
	LastOutput string // tail of the last progress line seen
}

// lastOutputMax bounds the diagnostic tail kept from the stream.
const lastOutputMax = 1000

// terminateGrace is how long a terminated subprocess gets to exit before the
// runner escalates to Kill, and how long a killed one gets before the runner
// gives up waiting. An agent that traps SIGTERM must not wedge the dispatch
// cycle.
const terminateGrace = 5 * time.Second

// Runner executes agent subprocesses with streaming session capture.
type Runner struct {
	spawner       Spawner
	sink          SessionSink
	timeout       time.Duration
	checkInterval time.Duration
	grace         time.Duration
}

// NewRunner creates a Runner. sink may be nil when session persistence is not
// needed (tests).
func NewRunner(spawner Spawner, sink SessionSink, timeout, checkInterval time.Duration) *Runner {
	if timeout == 0 {
		timeout = time.Hour
	}
	if checkInterval == 0 {
		checkInterval = 5 * time.Second
	}
	return &Runner{
		spawner:       spawner,
		sink:          sink,
		timeout:       timeout,
		checkInterval: checkInterval,
		grace:         terminateGrace,
	}
}

// Run launches the agent in dir and supervises it to a terminal result. The
// returned error covers spawn failures only; subprocess failures are reported
// through Result so the caller treats them as item outcomes, not exceptions.
func (r *Runner) Run(ctx context.Context, issueNumber int, dir string) (Result, error) {
	proc, err := r.spawner.Spawn(ctx, issueNumber, dir)
	if err != nil {
		return Result{}, fmt.Errorf("spawn agent for issue %d: %w", issueNumber, err)
	}

	var (
		mu         sync.Mutex
		sessionID  string
		lastOutput string
	)

	// Stream stdout, capturing the first session id. Malformed lines are
	// expected noise and skipped.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			mu.Lock()
			lastOutput = tail(line, lastOutputMax)
			mu.Unlock()

			var rec struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			if rec.SessionID == "" {
				continue
			}
			mu.Lock()
			first := sessionID == ""
			if first {
				sessionID = rec.SessionID
			}
			mu.Unlock()
			if first && r.sink != nil {
				r.sink.CaptureSession(issueNumber, rec.SessionID)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	snapshot := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return sessionID, lastOutput
	}

	for {
		select {
		case waitErr := <-waitCh:
			<-streamDone
			sid, out := snapshot()
			if waitErr == nil {
				return Result{Status: state.StatusCompleted, SessionID: sid, LastOutput: out}, nil
			}
			errMsg := proc.Stderr()
			if errMsg == "" {
				errMsg = waitErr.Error()
			}
			return Result{Status: state.StatusFailed, SessionID: sid, Err: errMsg, LastOutput: out}, nil

		case <-deadline.C:
			_ = proc.Terminate()
			r.awaitExit(proc, waitCh, streamDone)
			sid, out := snapshot()
			return Result{
				Status:     state.StatusFailed,
				SessionID:  sid,
				Err:        fmt.Sprintf("agent timed out after %s", r.timeout),
				LastOutput: out,
			}, nil

		case <-ctx.Done():
			_ = proc.Terminate()
			r.awaitExit(proc, waitCh, streamDone)
			sid, out := snapshot()
			return Result{Status: state.StatusFailed, SessionID: sid, Err: ctx.Err().Error(), LastOutput: out}, nil

		case <-ticker.C:
			// Subprocess still running; keep waiting until the deadline.
		}
	}
}

// awaitExit waits for a terminated subprocess to exit, escalating to Kill
// after the grace period and giving up after a second one. The terminal
// result is already decided at this point; waiting any longer would hold the
// item's slot for a subprocess that refuses to die.
func (r *Runner) awaitExit(proc Process, waitCh <-chan error, streamDone <-chan struct{}) {
	grace := time.NewTimer(r.grace)
	defer grace.Stop()
	select {
	case <-waitCh:
	case <-grace.C:
		_ = proc.Kill()
		killGrace := time.NewTimer(r.grace)
		defer killGrace.Stop()
		select {
		case <-waitCh:
		case <-killGrace.C:
			// Abandon the process; the stream goroutine exits with it.
			return
		}
	}

	drain := time.NewTimer(r.grace)
	defer drain.Stop()
	select {
	case <-streamDone:
	case <-drain.C:
	}
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
