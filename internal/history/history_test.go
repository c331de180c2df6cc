package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history"), zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func snap(id string, state types.SessionState, createdAt time.Time) types.SessionSnapshot {
	return types.SessionSnapshot{
		ID:          id,
		Instruction: "open notepad",
		State:       state,
		CreatedAt:   createdAt,
	}
}

func event(sessionID string, seq uint64) types.ProgressEvent {
	return types.ProgressEvent{
		SessionID: sessionID,
		Sequence:  seq,
		Kind:      types.KindSubtaskStarted,
		EmittedAt: time.Now().UTC(),
	}
}

// --- Begin / Append / Finalize / Get ---

func TestStore_RoundTrip(t *testing.T) {
	// Begin, two appends, finalize: Get returns the final record and both events
	s := newTestStore(t)
	defer s.Close()

	created := time.Now().UTC().Truncate(time.Second)
	if err := s.Begin(snap("s1", types.StatePending, created)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Append(event("s1", 1)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.Append(event("s1", 2)); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	final := snap("s1", types.StateCompleted, created)
	if err := s.Finalize(final); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec, events, err := s.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != types.StateCompleted {
		t.Errorf("state = %q, want %q (final record wins over header)", rec.State, types.StateCompleted)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Errorf("event sequences = %d,%d, want 1,2", events[0].Sequence, events[1].Sequence)
	}
}

func TestAppend_DuplicateSequenceDropped(t *testing.T) {
	// Re-appending an already-written (session, sequence) writes no second line
	s := newTestStore(t)
	defer s.Close()
	if err := s.Begin(snap("s1", types.StatePending, time.Now().UTC())); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Append(event("s1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(event("s1", 1)); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	_, events, err := s.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d after duplicate append, want 1", len(events))
	}
}

func TestBegin_Idempotent(t *testing.T) {
	// A second Begin for the same session writes no second header
	s := newTestStore(t)
	defer s.Close()
	sn := snap("s1", types.StatePending, time.Now().UTC())
	if err := s.Begin(sn); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Begin(sn); err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if _, _, err := s.Get("s1"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestAppend_UnopenedSessionIsHistoryIO(t *testing.T) {
	// Appending to a session never begun surfaces the io error kind
	s := newTestStore(t)
	defer s.Close()
	err := s.Append(event("ghost", 1))
	var se *types.StepError
	if !errors.As(err, &se) || se.Kind != types.KindHistoryIO {
		t.Errorf("err = %v, want StepError with history io kind", err)
	}
}

func TestGet_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	if _, _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// --- Crash tolerance ---

func TestGet_SkipsTruncatedTrailingLine(t *testing.T) {
	// A partial trailing line (crash mid-write) is skipped; earlier records survive
	s := newTestStore(t)
	if err := s.Begin(snap("s1", types.StatePending, time.Now().UTC())); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Append(event("s1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	path := filepath.Join(s.dir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for truncation: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"event","event":{"session_id":"s1","seq`); err != nil {
		t.Fatalf("write partial line: %v", err)
	}
	f.Close()

	rec, events, err := s.Get("s1")
	if err != nil {
		t.Fatalf("get after truncation: %v", err)
	}
	if rec.ID != "s1" {
		t.Errorf("record id = %q", rec.ID)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (partial line skipped)", len(events))
	}
}

func TestGet_SkipsRecordMissingPayload(t *testing.T) {
	// A line that parses as JSON but lacks its kind's payload is skipped, not fatal
	s := newTestStore(t)
	if err := s.Begin(snap("s1", types.StatePending, time.Now().UTC())); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Append(event("s1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	path := filepath.Join(s.dir, "s1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	lines := "{\"kind\":\"event\",\"written_at\":\"2026-01-01T00:00:00Z\"}\n" +
		"{\"kind\":\"final\"}\n{\"kind\":\"header\"}\n"
	if _, err := f.WriteString(lines); err != nil {
		t.Fatalf("write payloadless lines: %v", err)
	}
	f.Close()

	rec, events, err := s.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != "s1" {
		t.Errorf("record id = %q", rec.ID)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (payloadless lines skipped)", len(events))
	}
}

// --- List ---

func TestList_NewestFirstWithCursorPaging(t *testing.T) {
	// List orders by created_at descending and pages by the before cursor
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		sn := snap(id, types.StatePending, base.Add(time.Duration(i)*time.Minute))
		if err := s.Begin(sn); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
		sn.State = types.StateCompleted
		if err := s.Finalize(sn); err != nil {
			t.Fatalf("finalize %s: %v", id, err)
		}
	}

	recs, err := s.List(0, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("list = %d records, want 3", len(recs))
	}
	if recs[0].ID != "c" || recs[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", recs[0].ID, recs[1].ID, recs[2].ID)
	}

	// Next page: everything created strictly before the first page's last record.
	page, err := s.List(1, recs[0].CreatedAt)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("page = %+v, want single record b", page)
	}
}

func TestList_CursorIsStableAcrossNewSessions(t *testing.T) {
	// A session arriving between pages does not shift records into the next page
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b"} {
		sn := snap(id, types.StateCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := s.Begin(sn); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
		if err := s.Finalize(sn); err != nil {
			t.Fatalf("finalize %s: %v", id, err)
		}
	}

	first, err := s.List(1, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 1 || first[0].ID != "b" {
		t.Fatalf("first page = %+v, want b", first)
	}

	fresh := snap("fresh", types.StateCompleted, time.Now().UTC())
	if err := s.Begin(fresh); err != nil {
		t.Fatalf("begin fresh: %v", err)
	}
	if err := s.Finalize(fresh); err != nil {
		t.Fatalf("finalize fresh: %v", err)
	}

	second, err := s.List(1, first[0].CreatedAt)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second) != 1 || second[0].ID != "a" {
		t.Errorf("second page = %+v, want a (unaffected by the new session)", second)
	}
}

// --- Trim ---

func TestTrim_DeletesOldestBeyondKeep(t *testing.T) {
	// Trim(keep) removes the oldest closed sessions past the cap
	s := newTestStore(t)
	defer s.Close()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		sn := snap(id, types.StateCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := s.Begin(sn); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
		if err := s.Finalize(sn); err != nil {
			t.Fatalf("finalize %s: %v", id, err)
		}
	}

	s.Trim(2)
	recs, err := s.List(0, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("list = %d records after trim, want 2", len(recs))
	}
	for _, r := range recs {
		if r.ID == "old" {
			t.Error("oldest session survived trim")
		}
	}
}

func TestTrim_NeverRemovesOpenSession(t *testing.T) {
	// An in-flight session file is exempt from retention
	s := newTestStore(t)
	defer s.Close()

	old := snap("open-old", types.StateRunning, time.Now().UTC().Add(-time.Hour))
	if err := s.Begin(old); err != nil {
		t.Fatalf("begin: %v", err)
	}
	fresh := snap("fresh", types.StateCompleted, time.Now().UTC())
	if err := s.Begin(fresh); err != nil {
		t.Fatalf("begin fresh: %v", err)
	}
	if err := s.Finalize(fresh); err != nil {
		t.Fatalf("finalize fresh: %v", err)
	}

	s.Trim(1)
	if _, _, err := s.Get("open-old"); err != nil {
		t.Errorf("open session removed by trim: %v", err)
	}
}
