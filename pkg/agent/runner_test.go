package agent //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/state"
)

// fakeProcess scripts an agent subprocess: a fixed stdout stream and a
// controllable exit. ignoreTerm/ignoreKill simulate an agent that traps or
// outlives the corresponding signal.
type fakeProcess struct {
	stdout     io.Reader
	stdoutW    io.Closer     // closed on stop to end the stream
	waitErr    error
	stderr     string
	exitCh     chan struct{} // closed when the process should "exit"
	ignoreTerm bool
	ignoreKill bool

	mu         sync.Mutex
	terminated bool
	killed     bool
	stopped    bool
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }

func (p *fakeProcess) Wait() error {
	if p.exitCh != nil {
		<-p.exitCh
	}
	return p.waitErr
}

func (p *fakeProcess) Stderr() string { return p.stderr }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	if !p.ignoreTerm {
		p.stop()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	if !p.ignoreKill {
		p.stop()
	}
	return nil
}

// stop closes the exit channel and stream. Callers hold p.mu.
func (p *fakeProcess) stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	if p.exitCh != nil {
		close(p.exitCh)
	}
	if p.stdoutW != nil {
		_ = p.stdoutW.Close()
	}
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	proc *fakeProcess
	err  error
}

func (s *fakeSpawner) Spawn(context.Context, int, string) (Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

// captureSink records session captures.
type captureSink struct {
	mu       sync.Mutex
	captures []string
}

func (s *captureSink) CaptureSession(_ int, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, sessionID)
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.captures...)
}

func TestRunCompletedCapturesSession(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","session_id":"sess-abc"}`,
		`{"type":"assistant","text":"working on it"}`,
	}, "\n")
	proc := &fakeProcess{stdout: strings.NewReader(stream)}
	sink := &captureSink{}
	r := NewRunner(&fakeSpawner{proc: proc}, sink, time.Minute, time.Millisecond)

	res, err := r.Run(context.Background(), 42, "/work")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != state.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.SessionID != "sess-abc" {
		t.Fatalf("session id = %q", res.SessionID)
	}
	if got := sink.all(); len(got) != 1 || got[0] != "sess-abc" {
		t.Fatalf("sink captures = %v", got)
	}
}

func TestRunSessionCaptureIsFirstWriteOnly(t *testing.T) {
	stream := strings.Join([]string{
		`{"session_id":"sess-1"}`,
		`{"session_id":"sess-2"}`,
	}, "\n")
	proc := &fakeProcess{stdout: strings.NewReader(stream)}
	sink := &captureSink{}
	r := NewRunner(&fakeSpawner{proc: proc}, sink, time.Minute, time.Millisecond)

	res, err := r.Run(context.Background(), 1, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("session id = %q, want first value to win", res.SessionID)
	}
	if got := sink.all(); len(got) != 1 {
		t.Fatalf("sink called %d times, want 1", len(got))
	}
}

func TestRunSkipsMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		`not json at all`,
		`{"half":`,
		`{"session_id":"sess-x"}`,
	}, "\n")
	proc := &fakeProcess{stdout: strings.NewReader(stream)}
	r := NewRunner(&fakeSpawner{proc: proc}, nil, time.Minute, time.Millisecond)

	res, err := r.Run(context.Background(), 1, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "sess-x" {
		t.Fatalf("malformed lines should be skipped, session id = %q", res.SessionID)
	}
}

func TestRunFailureAttachesStderr(t *testing.T) {
	proc := &fakeProcess{
		stdout:  strings.NewReader(`{"type":"assistant","text":"last words"}` + "\n"),
		waitErr: io.ErrUnexpectedEOF,
		stderr:  "boom",
	}
	r := NewRunner(&fakeSpawner{proc: proc}, nil, time.Minute, time.Millisecond)

	res, err := r.Run(context.Background(), 1, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Err != "boom" {
		t.Fatalf("err = %q, want stderr text", res.Err)
	}
	if !strings.Contains(res.LastOutput, "last words") {
		t.Fatalf("last output = %q", res.LastOutput)
	}
}

func TestRunTimeoutTerminatesProcess(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	proc := &fakeProcess{stdout: pr, stdoutW: pw, exitCh: make(chan struct{}), waitErr: io.ErrUnexpectedEOF}
	r := NewRunner(&fakeSpawner{proc: proc}, nil, 30*time.Millisecond, 5*time.Millisecond)

	done := make(chan Result, 1)
	go func() {
		res, _ := r.Run(context.Background(), 1, "/work")
		done <- res
	}()

	select {
	case res := <-done:
		if res.Status != state.StatusFailed {
			t.Fatalf("status = %s, want failed", res.Status)
		}
		if !strings.Contains(res.Err, "timed out") {
			t.Fatalf("err = %q, want timeout message", res.Err)
		}
		if !proc.wasTerminated() {
			t.Fatal("process was not terminated on timeout")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after timeout")
	}
}

func TestRunTimeoutEscalatesToKill(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	proc := &fakeProcess{stdout: pr, stdoutW: pw, exitCh: make(chan struct{}), waitErr: io.ErrUnexpectedEOF, ignoreTerm: true}
	r := NewRunner(&fakeSpawner{proc: proc}, nil, 20*time.Millisecond, 5*time.Millisecond)
	r.grace = 20 * time.Millisecond

	done := make(chan Result, 1)
	go func() {
		res, _ := r.Run(context.Background(), 1, "/work")
		done <- res
	}()

	select {
	case res := <-done:
		if res.Status != state.StatusFailed {
			t.Fatalf("status = %s, want failed", res.Status)
		}
		if !strings.Contains(res.Err, "timed out") {
			t.Fatalf("err = %q, want timeout message", res.Err)
		}
		if !proc.wasKilled() {
			t.Fatal("process ignoring SIGTERM was not killed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return when the subprocess ignored termination")
	}
}

func TestRunTimeoutReturnsWhenProcessUnkillable(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	proc := &fakeProcess{stdout: pr, stdoutW: pw, exitCh: make(chan struct{}), ignoreTerm: true, ignoreKill: true}
	r := NewRunner(&fakeSpawner{proc: proc}, nil, 20*time.Millisecond, 5*time.Millisecond)
	r.grace = 20 * time.Millisecond

	done := make(chan Result, 1)
	go func() {
		res, _ := r.Run(context.Background(), 1, "/work")
		done <- res
	}()

	select {
	case res := <-done:
		if res.Status != state.StatusFailed || !strings.Contains(res.Err, "timed out") {
			t.Fatalf("result = %+v, want timed-out failure", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run must give up on a subprocess that never exits")
	}
}

func TestRunSpawnError(t *testing.T) {
	r := NewRunner(&fakeSpawner{err: io.ErrClosedPipe}, nil, time.Minute, time.Millisecond)
	if _, err := r.Run(context.Background(), 1, "/work"); err == nil {
		t.Fatal("expected spawn error to propagate")
	}
}

func TestPromptForSubstitutesOnlyIssueNumber(t *testing.T) {
	a := PromptFor(12)
	b := PromptFor(34)
	if !strings.Contains(a, "<ARGUMENT>12</ARGUMENT>") || !strings.Contains(b, "<ARGUMENT>34</ARGUMENT>") {
		t.Fatal("prompt missing issue argument")
	}
	if strings.ReplaceAll(a, "12", "34") != b {
		t.Fatal("prompt should differ only by issue number")
	}
}
