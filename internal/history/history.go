// Package history is the durable session log. Each session gets one JSONL
// file: a header record at open, one record per progress event, and a final
// record at termination. The store is the sole owner of the files; the
// runner appends through it and never touches the filesystem.
//
// Durability contract: an event is appended here before it is published on
// the bus, so anything a subscriber has seen is already on disk. A truncated
// trailing line (crash mid-write) is skipped on read, never fatal.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/types"
)

// ErrNotFound is returned by Get when no session file exists for the id.
var ErrNotFound = errors.New("history: session not found")

type recordKind string

const (
	recHeader recordKind = "header"
	recEvent  recordKind = "event"
	recFinal  recordKind = "final"
)

// record is one JSONL line. Exactly one payload field is set per kind.
type record struct {
	Kind    recordKind           `json:"kind"`
	Header  *SessionRecord       `json:"header,omitempty"`
	Event   *types.ProgressEvent `json:"event,omitempty"`
	Final   *SessionRecord       `json:"final,omitempty"`
	Written time.Time            `json:"written_at"`
}

// valid reports whether the record carries the payload its kind requires.
// A line that parses as JSON but lacks its payload is corrupt, same as a
// truncated one.
func (r record) valid() bool {
	switch r.Kind {
	case recHeader:
		return r.Header != nil
	case recEvent:
		return r.Event != nil
	case recFinal:
		return r.Final != nil
	}
	return false
}

// SessionRecord is the durable summary of a session, written as the header
// at open and rewritten as the final record at termination.
type SessionRecord struct {
	ID          string             `json:"session_id"`
	Instruction string             `json:"instruction"`
	State       types.SessionState `json:"state"`
	Subtasks    []types.Subtask    `json:"subtasks,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Failure     *types.Failure     `json:"failure,omitempty"`
}

func recordOf(snap types.SessionSnapshot) SessionRecord {
	return SessionRecord{
		ID:          snap.ID,
		Instruction: snap.Instruction,
		State:       snap.State,
		Subtasks:    snap.Subtasks,
		CreatedAt:   snap.CreatedAt,
		CompletedAt: snap.CompletedAt,
		Failure:     snap.Failure,
	}
}

// sessionFile is one open per-session log. lastSeq makes Append idempotent:
// a re-sent (session, sequence) pair is dropped without a duplicate line.
type sessionFile struct {
	f       *os.File
	w       *bufio.Writer
	lastSeq uint64
}

// Store owns the history directory. One file per session, named <id>.jsonl.
type Store struct {
	dir string
	log *zap.Logger

	mu   sync.Mutex
	open map[string]*sessionFile
}

// NewStore creates the history directory if needed.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log, open: make(map[string]*sessionFile)}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Begin opens the session's log file and writes the header record.
// Idempotent: a second Begin for the same session is a no-op.
func (s *Store) Begin(snap types.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[snap.ID]; ok {
		return nil
	}
	f, err := os.OpenFile(s.path(snap.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("open session log: %w", err))
	}
	sf := &sessionFile{f: f, w: bufio.NewWriter(f)}
	s.open[snap.ID] = sf
	hdr := recordOf(snap)
	return s.writeLocked(sf, record{Kind: recHeader, Header: &hdr})
}

// Append writes one progress event record. Idempotent on the event's
// (session_id, sequence): a replayed append is dropped. Returns HistoryIO
// on write failure; the caller decides whether that fails the session.
func (s *Store) Append(evt types.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.open[evt.SessionID]
	if !ok {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("append to unopened session %s", evt.SessionID))
	}
	if evt.Sequence <= sf.lastSeq {
		return nil
	}
	if err := s.writeLocked(sf, record{Kind: recEvent, Event: &evt}); err != nil {
		return err
	}
	sf.lastSeq = evt.Sequence
	return nil
}

// Finalize writes the final record with the terminal snapshot, flushes, and
// closes the session's file.
func (s *Store) Finalize(snap types.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.open[snap.ID]
	if !ok {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("finalize unopened session %s", snap.ID))
	}
	delete(s.open, snap.ID)
	fin := recordOf(snap)
	werr := s.writeLocked(sf, record{Kind: recFinal, Final: &fin})
	if err := sf.w.Flush(); err != nil && werr == nil {
		werr = types.StepErr(types.KindHistoryIO, fmt.Errorf("flush session log: %w", err))
	}
	if err := sf.f.Close(); err != nil && werr == nil {
		werr = types.StepErr(types.KindHistoryIO, fmt.Errorf("close session log: %w", err))
	}
	return werr
}

func (s *Store) writeLocked(sf *sessionFile, rec record) error {
	rec.Written = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("marshal record: %w", err))
	}
	if _, err := sf.w.Write(append(data, '\n')); err != nil {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("write record: %w", err))
	}
	// One line per event on disk; flush keeps the published-implies-durable
	// ordering honest.
	if err := sf.w.Flush(); err != nil {
		return types.StepErr(types.KindHistoryIO, fmt.Errorf("flush record: %w", err))
	}
	return nil
}

// Get reads one session's record and its full event list. The final record,
// when present, supersedes the header. Corrupt or truncated lines are
// skipped.
func (s *Store) Get(sessionID string) (SessionRecord, []types.ProgressEvent, error) {
	// Flush any buffered writes so readers see them.
	s.mu.Lock()
	if sf, ok := s.open[sessionID]; ok {
		_ = sf.w.Flush()
	}
	s.mu.Unlock()

	recs, err := s.readFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionRecord{}, nil, ErrNotFound
		}
		return SessionRecord{}, nil, types.StepErr(types.KindHistoryIO, err)
	}

	var (
		rec    SessionRecord
		found  bool
		events []types.ProgressEvent
	)
	for _, r := range recs {
		switch r.Kind {
		case recHeader:
			if !found {
				rec, found = *r.Header, true
			}
		case recFinal:
			rec, found = *r.Final, true
		case recEvent:
			events = append(events, *r.Event)
		}
	}
	if !found {
		return SessionRecord{}, nil, ErrNotFound
	}
	return rec, events, nil
}

// List returns session records newest-first by created_at. A non-zero before
// keeps only sessions created strictly before it, so pages stay stable while
// new sessions arrive: pass the last record's created_at as the next cursor.
// limit <= 0 means no cap.
func (s *Store) List(limit int, before time.Time) ([]SessionRecord, error) {
	s.mu.Lock()
	for _, sf := range s.open {
		_ = sf.w.Flush()
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, types.StepErr(types.KindHistoryIO, fmt.Errorf("list history dir: %w", err))
	}
	var out []SessionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		rec, _, err := s.Get(id)
		if err != nil {
			s.log.Warn("skipping unreadable session log", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if !before.IsZero() && !rec.CreatedAt.Before(before) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trim deletes the oldest session files beyond keep. Open sessions are never
// trimmed. Errors are logged, not raised; retention is best-effort.
func (s *Store) Trim(keep int) {
	recs, err := s.List(0, time.Time{})
	if err != nil {
		s.log.Warn("history trim skipped", zap.Error(err))
		return
	}
	if len(recs) <= keep {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs[keep:] {
		if _, open := s.open[rec.ID]; open {
			continue
		}
		if err := os.Remove(s.path(rec.ID)); err != nil {
			s.log.Warn("history trim failed", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
}

// Close flushes and closes every open session file.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sf := range s.open {
		_ = sf.w.Flush()
		_ = sf.f.Close()
		delete(s.open, id)
	}
}

// readFile parses every well-formed JSONL record in the file. A line that
// fails to decode (typically a truncated tail after a crash) is skipped.
func (s *Store) readFile(path string) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil || !r.valid() {
			s.log.Warn("skipping corrupt history line", zap.String("file", filepath.Base(path)))
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
