package state //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestNewStoreMissingFile(t *testing.T) {
	s := tempStore(t)
	if got := len(s.All()); got != 0 {
		t.Fatalf("expected empty store, got %d records", got)
	}
}

func TestNewStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if got := len(s.All()); got != 0 {
		t.Fatalf("corrupt file should load as empty store, got %d records", got)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	slot := 1
	s.Set(42, Record{
		Status:    StatusRunning,
		Branch:    BranchFor(42),
		StartTime: Timestamp(time.Now()),
		SlotIndex: &slot,
		Repo:      "acme/widgets",
	})
	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded := NewStore(path)
	rec, ok := reloaded.Get(42)
	if !ok {
		t.Fatal("record lost across reload")
	}
	if rec.Branch != "issue-42" || rec.Slot() != 1 || rec.Repo != "acme/widgets" {
		t.Fatalf("unexpected record after reload: %+v", rec)
	}
}

func TestPersistEmptyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got := len(NewStore(path).All()); got != 0 {
		t.Fatalf("expected empty store after empty persist, got %d", got)
	}
}

func TestPersistOmitsEmptyOptionalFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	s.Set(7, Record{Status: StatusRunning, Branch: BranchFor(7), StartTime: Timestamp(time.Now())})
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"session_id", "end_time", "slot_index", "last_output", "error"} {
		if strings.Contains(string(data), field) {
			t.Errorf("serialized form should omit empty %q, got:\n%s", field, data)
		}
	}

	rec, _ := NewStore(path).Get(7)
	if rec.SessionID != "" || rec.SlotIndex != nil || rec.EndTime != "" {
		t.Fatalf("optional fields should reload as zero values: %+v", rec)
	}
}

func TestPersistFullyOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	s.Set(1, Record{Status: StatusRunning, Branch: BranchFor(1)})
	s.Set(2, Record{Status: StatusRunning, Branch: BranchFor(2)})
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}

	s.Remove(1)
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["1"]; ok {
		t.Fatal("removed record still present in state file")
	}
	if _, ok := raw["2"]; !ok {
		t.Fatal("surviving record missing from state file")
	}
}

func TestPersistFailureReported(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing-dir", "deeper", "state.json"))
	s.Set(1, Record{Status: StatusRunning})
	if err := s.Persist(); err == nil {
		t.Fatal("expected error persisting into nonexistent directory")
	}
}

func TestReserveAssignsLowestFreeSlot(t *testing.T) {
	s := tempStore(t)

	recA, ok := s.Reserve(100, "acme/widgets", 2)
	if !ok || recA.Slot() != 0 {
		t.Fatalf("first reserve: got slot %d ok=%v, want slot 0", recA.Slot(), ok)
	}
	recB, ok := s.Reserve(101, "acme/widgets", 2)
	if !ok || recB.Slot() != 1 {
		t.Fatalf("second reserve: got slot %d ok=%v, want slot 1", recB.Slot(), ok)
	}
	if _, ok := s.Reserve(102, "acme/widgets", 2); ok {
		t.Fatal("third reserve should fail with max_concurrent=2")
	}

	// Freeing slot 0 makes it the next allocation again.
	s.Remove(100)
	recC, ok := s.Reserve(103, "acme/widgets", 2)
	if !ok || recC.Slot() != 0 {
		t.Fatalf("reserve after free: got slot %d ok=%v, want slot 0", recC.Slot(), ok)
	}
}

func TestReserveSkipsSlotsHeldByNeedsInput(t *testing.T) {
	s := tempStore(t)
	slot := 0
	s.Set(5, Record{Status: StatusNeedsInput, SlotIndex: &slot})

	rec, ok := s.Reserve(6, "", 2)
	if !ok || rec.Slot() != 1 {
		t.Fatalf("needs_input should hold its slot: got slot %d ok=%v", rec.Slot(), ok)
	}
}

func TestReserveConcurrentNoDoubleAssign(t *testing.T) {
	s := tempStore(t)
	const workers = 16
	const maxConcurrent = 4

	var wg sync.WaitGroup
	slots := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if rec, ok := s.Reserve(n, "", maxConcurrent); ok {
				slots <- rec.Slot()
			}
		}(i)
	}
	wg.Wait()
	close(slots)

	seen := make(map[int]bool)
	count := 0
	for slot := range slots {
		if seen[slot] {
			t.Fatalf("slot %d assigned twice", slot)
		}
		seen[slot] = true
		count++
	}
	if count != maxConcurrent {
		t.Fatalf("expected exactly %d admissions, got %d", maxConcurrent, count)
	}
	if got := len(s.ActiveIssues()); got != maxConcurrent {
		t.Fatalf("expected %d active issues, got %d", maxConcurrent, got)
	}
}

func TestSetSessionIDFirstWriteWins(t *testing.T) {
	s := tempStore(t)
	s.Set(9, Record{Status: StatusRunning})

	if !s.SetSessionID(9, "sess-1") {
		t.Fatal("first session id write should succeed")
	}
	if s.SetSessionID(9, "sess-2") {
		t.Fatal("second session id write should be rejected")
	}
	rec, _ := s.Get(9)
	if rec.SessionID != "sess-1" {
		t.Fatalf("session id overwritten: %q", rec.SessionID)
	}
}

func TestSetSessionIDUnknownIssue(t *testing.T) {
	s := tempStore(t)
	if s.SetSessionID(404, "sess") {
		t.Fatal("session id write for unknown issue should fail")
	}
}

func TestActiveIssuesExcludesTerminal(t *testing.T) {
	s := tempStore(t)
	s.Set(1, Record{Status: StatusRunning})
	s.Set(2, Record{Status: StatusNeedsInput})
	s.Set(3, Record{Status: StatusCompleted})
	s.Set(4, Record{Status: StatusFailed})

	active := s.ActiveIssues()
	if len(active) != 2 || active[0] != 1 || active[1] != 2 {
		t.Fatalf("unexpected active set: %v", active)
	}
}

func TestIssuesForSlot(t *testing.T) {
	s := tempStore(t)
	slot := 2
	s.Set(10, Record{Status: StatusRunning, SlotIndex: &slot})
	s.Set(11, Record{Status: StatusCompleted, SlotIndex: &slot})

	got := s.IssuesForSlot(2)
	if len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected only the active holder of slot 2, got %v", got)
	}
	if got := s.IssuesForSlot(0); len(got) != 0 {
		t.Fatalf("slot 0 should be empty, got %v", got)
	}
}

func TestFinalizeStampsEndTime(t *testing.T) {
	s := tempStore(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return fixed })

	s.Set(3, Record{Status: StatusRunning, StartTime: Timestamp(fixed.Add(-time.Minute))})
	s.Finalize(3, StatusFailed, "boom", "last line")

	rec, _ := s.Get(3)
	if rec.Status != StatusFailed || rec.Error != "boom" || rec.LastOutput != "last line" {
		t.Fatalf("finalize did not stamp fields: %+v", rec)
	}
	if rec.EndTime != Timestamp(fixed) {
		t.Fatalf("end time = %q, want %q", rec.EndTime, Timestamp(fixed))
	}
}
