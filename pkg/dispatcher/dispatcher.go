// Package dispatcher implements the foreman control loop. One RunCycle pass
// fetches ready issues from every configured repository, admits up to the
// concurrency limit by reserving slots in the state store, and processes each
// admitted issue concurrently: label handoff, checkout preparation, agent
// subprocess supervision, terminal bookkeeping, and notifications. A single
// issue's failure never aborts its siblings.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"foreman/pkg/agent"
	"foreman/pkg/config"
	"foreman/pkg/state"
	"foreman/pkg/tracker"

	"github.com/google/uuid"
)

// --- Interfaces for testability ---

// Tracker provides read and mutate access to the issue tracker. Production
// impl is the GitHub client.
type Tracker interface {
	ReadyIssues(ctx context.Context, repo, label string) ([]tracker.Issue, error)
	UpdateLabels(ctx context.Context, repo string, issueNumber int, add, remove []string) error
	CreateComment(ctx context.Context, repo string, issueNumber int, body string) error
}

// CheckoutManager prepares per-slot working copies. Production impl shells
// out to git.
type CheckoutManager interface {
	Ensure(ctx context.Context, slot int, repo string) (string, error)
	CheckoutBranch(ctx context.Context, path string, issueNumber int) (string, error)
	BranchReady(ctx context.Context, path, branch string) error
}

// AgentRunner supervises one agent subprocess to a terminal result.
type AgentRunner interface {
	Run(ctx context.Context, issueNumber int, dir string) (agent.Result, error)
}

// RunnerFactory builds an agent runner bound to a session sink, so captured
// session ids flow back into the state store as soon as they appear.
type RunnerFactory func(sink agent.SessionSink) AgentRunner

// Notifier is the notification fan-out consumed by the dispatcher.
type Notifier interface {
	NotifyStart(ctx context.Context, issueNumber int, title, repo string) error
	NotifyComplete(ctx context.Context, issueNumber int, duration, repo string) error
	NotifyNeedsInput(ctx context.Context, issueNumber int, tailOutput, repo string) error
	NotifyError(ctx context.Context, issueNumber int, errMsg, tailOutput, repo string) error
}

// --- Dispatcher ---

// Dispatcher composes the tracker, state store, checkout manager, agent
// runner, and notifiers into one dispatch cycle.
type Dispatcher struct {
	cfg       *config.Config
	store     *state.Store
	tracker   Tracker
	checkouts CheckoutManager
	newRunner RunnerFactory
	notifier  Notifier
	events    *EventLog

	nowFunc func() time.Time
	logf    func(format string, args ...any)
}

// New creates a Dispatcher. events may be nil to run without an event log.
func New(cfg *config.Config, store *state.Store, trk Tracker, checkouts CheckoutManager, newRunner RunnerFactory, notifier Notifier, events *EventLog) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		tracker:   trk,
		checkouts: checkouts,
		newRunner: newRunner,
		notifier:  notifier,
		events:    events,
		nowFunc:   time.Now,
		logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
}

// admission is one issue that won a slot this cycle.
type admission struct {
	issue tracker.Issue
	rec   state.Record
}

// RunCycle performs one dispatch pass. It returns an error only when every
// repository fetch failed or the final state persist failed; individual issue
// failures are contained and reported through notifications and the event log.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	d.logEvent(ctx, cycleID, "cycle_start", "dispatcher", 0, "", "")

	candidates, fetchErr := d.fetchCandidates(ctx, cycleID)

	admitted := d.admit(ctx, cycleID, candidates)

	var wg sync.WaitGroup
	for _, adm := range admitted {
		wg.Add(1)
		go func(adm admission) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logf("panic processing issue #%d: %v", adm.issue.Number, r)
					d.containFailure(ctx, cycleID, adm.issue, fmt.Sprintf("panic: %v", r), "")
				}
			}()
			d.processItem(ctx, cycleID, adm)
		}(adm)
	}
	wg.Wait()

	persistErr := d.store.Persist()
	if persistErr != nil {
		d.logf("persist state at cycle end: %v", persistErr)
		d.logEvent(ctx, cycleID, "persist_error", "dispatcher", 0, "", persistErr.Error())
	}

	d.logEvent(ctx, cycleID, "cycle_end", "dispatcher", 0, "", "")

	if fetchErr != nil {
		return fetchErr
	}
	if persistErr != nil {
		return fmt.Errorf("persist state: %w", persistErr)
	}
	return nil
}

// fetchCandidates queries every configured repository for ready issues,
// tagging each with its source repo. Per-repo failures are tolerated; the
// returned error is non-nil only when every fetch failed.
func (d *Dispatcher) fetchCandidates(ctx context.Context, cycleID string) ([]tracker.Issue, error) {
	var candidates []tracker.Issue
	failures := 0
	for _, repo := range d.cfg.Tracker.Repos {
		issues, err := d.tracker.ReadyIssues(ctx, repo.Name, d.cfg.Tracker.Labels.Ready)
		if err != nil {
			failures++
			d.logf("fetch ready issues from %s: %v", repo.Name, err)
			d.logEvent(ctx, cycleID, "fetch_error", "dispatcher", 0, repo.Name, err.Error())
			continue
		}
		candidates = append(candidates, issues...)
	}
	if failures > 0 && failures == len(d.cfg.Tracker.Repos) {
		return nil, fmt.Errorf("all %d repository fetches failed", failures)
	}
	return candidates, nil
}

// admit reserves slots for new candidates in stable input order. Already
// active issues are skipped; the first reservation refusal stops admission
// for the rest of the cycle.
func (d *Dispatcher) admit(ctx context.Context, cycleID string, candidates []tracker.Issue) []admission {
	active := make(map[int]bool)
	for _, n := range d.store.ActiveIssues() {
		active[n] = true
	}

	var admitted []admission
	for _, issue := range candidates {
		if active[issue.Number] {
			continue
		}
		rec, ok := d.store.Reserve(issue.Number, issue.Repo, d.cfg.MaxConcurrent)
		if !ok {
			d.logEvent(ctx, cycleID, "slot_exhausted", "dispatcher", issue.Number, issue.Repo, "")
			break
		}
		// Persist the placeholder right away so a crash cannot hand the
		// same slot out twice.
		if err := d.store.Persist(); err != nil {
			d.logf("persist reservation for issue #%d: %v", issue.Number, err)
			d.logEvent(ctx, cycleID, "persist_error", "dispatcher", issue.Number, issue.Repo, err.Error())
		}
		d.logEvent(ctx, cycleID, "admit", "dispatcher", issue.Number, issue.Repo,
			fmt.Sprintf("slot=%d", rec.Slot()))
		admitted = append(admitted, admission{issue: issue, rec: rec})
	}
	return admitted
}

// processItem drives one admitted issue to a terminal outcome. Any error is
// contained here: the record is cleaned up, a failure label applied best
// effort, and an error notification sent.
func (d *Dispatcher) processItem(ctx context.Context, cycleID string, adm admission) {
	issue := adm.issue
	labels := d.cfg.Tracker.Labels

	if err := d.tracker.UpdateLabels(ctx, issue.Repo, issue.Number,
		[]string{labels.Working}, []string{labels.Ready}); err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("update labels: %v", err), "")
		return
	}

	_ = d.notifier.NotifyStart(ctx, issue.Number, issue.Title, issue.Repo)

	path, err := d.checkouts.Ensure(ctx, adm.rec.Slot(), issue.Repo)
	if err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("prepare checkout: %v", err), "")
		return
	}
	branch, err := d.checkouts.CheckoutBranch(ctx, path, issue.Number)
	if err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("checkout branch: %v", err), "")
		return
	}
	if err := d.checkouts.BranchReady(ctx, path, branch); err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("branch not ready: %v", err), "")
		return
	}

	runner := d.newRunner(&cycleSink{d: d, cycleID: cycleID, repo: issue.Repo})
	result, err := runner.Run(ctx, issue.Number, path)
	if err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("run agent: %v", err), "")
		return
	}

	switch result.Status {
	case state.StatusCompleted:
		d.finishCompleted(ctx, cycleID, issue, result)
	case state.StatusNeedsInput:
		d.finishNeedsInput(ctx, cycleID, issue, result)
	default:
		d.finishFailed(ctx, cycleID, issue, result)
	}
}

func (d *Dispatcher) finishCompleted(ctx context.Context, cycleID string, issue tracker.Issue, result agent.Result) {
	labels := d.cfg.Tracker.Labels

	duration := d.elapsedFor(issue.Number)
	d.store.Finalize(issue.Number, state.StatusCompleted, "", result.LastOutput)
	d.persistLoudly(ctx, cycleID, issue, "finalize completed")

	if err := d.tracker.UpdateLabels(ctx, issue.Repo, issue.Number,
		[]string{labels.Completed}, []string{labels.Working}); err != nil {
		d.containFailure(ctx, cycleID, issue, fmt.Sprintf("apply completed label: %v", err), result.LastOutput)
		return
	}

	_ = d.notifier.NotifyComplete(ctx, issue.Number, duration, issue.Repo)
	d.logEvent(ctx, cycleID, "completed", "dispatcher", issue.Number, issue.Repo, duration)

	d.store.Remove(issue.Number)
	d.persistLoudly(ctx, cycleID, issue, "remove completed record")
}

// finishNeedsInput keeps the record and its slot so the conversation can be
// resumed; only a notification goes out.
func (d *Dispatcher) finishNeedsInput(ctx context.Context, cycleID string, issue tracker.Issue, result agent.Result) {
	d.store.Finalize(issue.Number, state.StatusNeedsInput, "", result.LastOutput)
	d.persistLoudly(ctx, cycleID, issue, "finalize needs_input")

	tailOutput := result.LastOutput
	if tailOutput == "" {
		tailOutput = "No output available"
	}
	_ = d.notifier.NotifyNeedsInput(ctx, issue.Number, tailOutput, issue.Repo)
	d.logEvent(ctx, cycleID, "needs_input", "dispatcher", issue.Number, issue.Repo, "")
}

func (d *Dispatcher) finishFailed(ctx context.Context, cycleID string, issue tracker.Issue, result agent.Result) {
	labels := d.cfg.Tracker.Labels

	d.store.Finalize(issue.Number, state.StatusFailed, result.Err, result.LastOutput)
	d.persistLoudly(ctx, cycleID, issue, "finalize failed")

	_ = d.notifier.NotifyError(ctx, issue.Number, result.Err, result.LastOutput, issue.Repo)
	d.logEvent(ctx, cycleID, "failed", "dispatcher", issue.Number, issue.Repo, result.Err)

	if err := d.tracker.UpdateLabels(ctx, issue.Repo, issue.Number,
		[]string{labels.Failed}, []string{labels.Working}); err != nil {
		d.logf("apply failed label to #%d: %v", issue.Number, err)
	}

	d.store.Remove(issue.Number)
	d.persistLoudly(ctx, cycleID, issue, "remove failed record")
}

// containFailure handles any mid-processing error: send an error
// notification, attempt a failure label best effort, and drop the record so
// the slot frees up. Nothing here propagates.
func (d *Dispatcher) containFailure(ctx context.Context, cycleID string, issue tracker.Issue, errMsg, tailOutput string) {
	labels := d.cfg.Tracker.Labels

	d.logf("issue #%d failed: %s", issue.Number, errMsg)
	d.logEvent(ctx, cycleID, "failed", "dispatcher", issue.Number, issue.Repo, errMsg)

	_ = d.notifier.NotifyError(ctx, issue.Number, errMsg, tailOutput, issue.Repo)

	// Primary error already reported; label rollback is best effort.
	if err := d.tracker.UpdateLabels(ctx, issue.Repo, issue.Number,
		[]string{labels.Failed}, []string{labels.Working, labels.Ready}); err != nil {
		d.logf("apply failed label to #%d: %v", issue.Number, err)
	}

	d.store.Remove(issue.Number)
	d.persistLoudly(ctx, cycleID, issue, "remove failed record")
}

// elapsedFor formats the wall-clock duration since the record's start time.
func (d *Dispatcher) elapsedFor(issueNumber int) string {
	rec, ok := d.store.Get(issueNumber)
	if !ok || rec.StartTime == "" {
		return "unknown"
	}
	start, err := time.Parse(time.RFC3339, rec.StartTime)
	if err != nil {
		return "unknown"
	}
	return d.nowFunc().Sub(start).Truncate(time.Second).String()
}

// persistLoudly persists the store and surfaces failures: a dropped write can
// silently lose a session id, so it is logged and recorded, never swallowed
// quietly.
func (d *Dispatcher) persistLoudly(ctx context.Context, cycleID string, issue tracker.Issue, op string) {
	if err := d.store.Persist(); err != nil {
		d.logf("persist state (%s, issue #%d): %v", op, issue.Number, err)
		d.logEvent(ctx, cycleID, "persist_error", "dispatcher", issue.Number, issue.Repo, err.Error())
	}
}

func (d *Dispatcher) logEvent(ctx context.Context, cycleID, evType, source string, issueNumber int, repo, payload string) {
	if err := d.events.Log(ctx, cycleID, evType, source, issueNumber, repo, payload); err != nil {
		d.logf("event log: %v", err)
	}
}

// --- Session capture ---

// cycleSink writes captured session ids straight into the state store. The
// first id wins; the write is persisted immediately because losing it on a
// crash means the conversation cannot be resumed.
type cycleSink struct {
	d       *Dispatcher
	cycleID string
	repo    string
}

func (s *cycleSink) CaptureSession(issueNumber int, sessionID string) {
	if !s.d.store.SetSessionID(issueNumber, sessionID) {
		return
	}
	if err := s.d.store.Persist(); err != nil {
		s.d.logf("persist session id for #%d: %v", issueNumber, err)
		s.d.logEvent(context.Background(), s.cycleID, "persist_error", "runner", issueNumber, s.repo, err.Error())
		return
	}
	s.d.logEvent(context.Background(), s.cycleID, "session_captured", "runner", issueNumber, s.repo, sessionID)
}
