// Package state tracks per-issue processing records across dispatch cycles.
// Records live in memory behind a single mutex and are persisted to a JSON
// file with full-overwrite semantics, so a restarted process sees exactly the
// set of issues that were active when the file was last written.
package state

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an issue being processed.
type Status string

// Issue lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusNeedsInput Status = "needs_input"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether the status holds an agent slot.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusNeedsInput
}

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the persisted processing state for one issue. Optional fields are
// omitted from the serialized form when empty. SlotIndex is a pointer so that
// slot 0 survives the omitempty round trip.
type Record struct {
	IssueNumber int    `json:"issue_number"`
	Status      Status `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	Branch      string `json:"branch"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time,omitempty"`
	SlotIndex   *int   `json:"slot_index,omitempty"`
	Repo        string `json:"repo,omitempty"`
	LastOutput  string `json:"last_output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Slot returns the assigned slot index, or -1 if none is assigned.
func (r *Record) Slot() int {
	if r.SlotIndex == nil {
		return -1
	}
	return *r.SlotIndex
}

// BranchFor returns the deterministic branch name for an issue. The scheme is
// fixed; records never change branch mid-flight.
func BranchFor(issueNumber int) string {
	return fmt.Sprintf("issue-%d", issueNumber)
}

// Timestamp formats t the way records store times (RFC 3339).
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}
