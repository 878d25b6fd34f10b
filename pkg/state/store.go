package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Store is the single-writer state store. All mutations go through one mutex;
// Persist writes the full record set to disk via temp-file rename so readers
// never observe a partial file.
type Store struct {
	path    string
	mu      sync.Mutex
	records map[int]*Record

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore loads the store from path. A missing or corrupt file yields an
// empty store — availability over a strict read of bad data — and the corrupt
// case is reported on stderr so it is not silently lost.
func NewStore(path string) *Store {
	s := &Store{
		path:    path,
		records: make(map[int]*Record),
		nowFunc: time.Now,
	}
	s.load()
	return s
}

// load deserializes the state file into memory. Never fatal.
func (s *Store) load() {
	data, err := os.ReadFile(s.path) //nolint:gosec // path comes from resolved config, not user input
	if err != nil {
		return // missing file = empty store
	}

	var raw map[string]*Record
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "warning: state file %s is corrupt, starting empty: %v\n", s.path, err)
		return
	}

	for key, rec := range raw {
		n, err := strconv.Atoi(key)
		if err != nil || rec == nil {
			continue
		}
		rec.IssueNumber = n
		s.records[n] = rec
	}
}

// Get returns a copy of the record for an issue, or false if absent.
func (s *Store) Get(issueNumber int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[issueNumber]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Set replaces the record for an issue.
func (s *Store) Set(issueNumber int, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.IssueNumber = issueNumber
	s.records[issueNumber] = &rec
}

// Remove deletes the record for an issue. Removing an absent issue is a no-op.
func (s *Store) Remove(issueNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, issueNumber)
}

// Persist writes the full record set to the state file, replacing whatever was
// there. The write goes to a temp file in the same directory followed by an
// atomic rename. A failed persist leaves the in-memory state authoritative;
// the error is returned so the caller can surface it — losing a session id
// here means a conversation cannot be resumed.
func (s *Store) Persist() error {
	s.mu.Lock()
	out := make(map[string]*Record, len(s.records))
	for n, rec := range s.records {
		out[strconv.Itoa(n)] = rec
	}
	data, err := json.MarshalIndent(out, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// ActiveIssues returns the issue numbers with a slot-holding status, sorted.
func (s *Store) ActiveIssues() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for n, rec := range s.records {
		if rec.Status.Active() {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// IssuesForSlot returns the active issues occupying a slot. More than one
// entry indicates state drift that reconciliation should flag.
func (s *Store) IssuesForSlot(slot int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for n, rec := range s.records {
		if rec.Status.Active() && rec.Slot() == slot {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// All returns a copy of every record, keyed by issue number.
func (s *Store) All() map[int]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Record, len(s.records))
	for n, rec := range s.records {
		out[n] = *rec
	}
	return out
}

// Reserve finds the lowest free slot in [0, maxConcurrent) and writes a
// running placeholder record for the issue in the same mutex hold, so two
// admissions in one cycle can never observe the same free slot. Returns the
// placeholder and false if all slots are taken.
func (s *Store) Reserve(issueNumber int, repo string, maxConcurrent int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[int]bool)
	for _, rec := range s.records {
		if rec.Status.Active() && rec.SlotIndex != nil {
			used[*rec.SlotIndex] = true
		}
	}

	slot := -1
	for i := 0; i < maxConcurrent; i++ {
		if !used[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		return Record{}, false
	}

	idx := slot
	rec := &Record{
		IssueNumber: issueNumber,
		Status:      StatusRunning,
		Branch:      BranchFor(issueNumber),
		StartTime:   Timestamp(s.nowFunc()),
		SlotIndex:   &idx,
		Repo:        repo,
	}
	s.records[issueNumber] = rec
	return *rec, true
}

// SetSessionID records the agent session id for an issue. The first write
// wins: a session id, once set, is never overwritten. Returns true if the
// value was stored.
func (s *Store) SetSessionID(issueNumber int, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[issueNumber]
	if !ok || rec.SessionID != "" || sessionID == "" {
		return false
	}
	rec.SessionID = sessionID
	return true
}

// Finalize stamps a terminal status, end time, and diagnostics on an existing
// record. Missing records are ignored — the caller may already have removed a
// failed item.
func (s *Store) Finalize(issueNumber int, status Status, errMsg, lastOutput string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[issueNumber]
	if !ok {
		return
	}
	rec.Status = status
	rec.EndTime = Timestamp(s.nowFunc())
	if errMsg != "" {
		rec.Error = errMsg
	}
	if lastOutput != "" {
		rec.LastOutput = lastOutput
	}
}

// Path returns the durable file path backing the store.
func (s *Store) Path() string {
	return s.path
}

// SetNowFunc overrides the store clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}
