// Package types holds the shared data model of the orchestration pipeline:
// plans, sessions, subtasks, progress events, and the error taxonomy that the
// gate, cache, runner, bus, and history store exchange.
package types

import (
	"sync"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StatePending   SessionState = "pending"
	StatePlanning  SessionState = "planning"
	StateRunning   SessionState = "running"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
// Once a session is terminal it never transitions or emits again.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SubtaskState is the lifecycle state of one subtask.
type SubtaskState string

const (
	SubtaskPending    SubtaskState = "pending"
	SubtaskInProgress SubtaskState = "in_progress"
	SubtaskCompleted  SubtaskState = "completed"
	SubtaskFailed     SubtaskState = "failed"
)

// ToolCall is one invocation of a desktop tool from the executor's closed set.
// Args carry primitive or small structured values; the executor validates the
// shape per tool name before driving the desktop.
type ToolCall struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Locator returns the element locator argument, or "" when absent.
// Used by the runner's strategy selection (element-first, coordinate-fallback).
func (tc ToolCall) Locator() string {
	s, _ := tc.Args["locator"].(string)
	return s
}

// HasCoordinates reports whether the call carries explicit x/y coordinates.
func (tc ToolCall) HasCoordinates() bool {
	_, xok := tc.Args["x"]
	_, yok := tc.Args["y"]
	return xok && yok
}

// Plan is an ordered, non-empty, immutable sequence of tool calls.
// ContinueOnError selects the plan's failure policy; the default (false) is
// fail-fast: the first exhausted subtask fails the whole session.
type Plan struct {
	Steps           []ToolCall `json:"steps"`
	ContinueOnError bool       `json:"continue_on_error,omitempty"`
}

// ActionResult is the executor's output for one tool invocation.
// Data carries tool-class observations the Observer verifies against
// (e.g. "focused_window", "cursor_focused").
type ActionResult struct {
	Output string         `json:"output,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Subtask is one tool invocation within a session's plan.
type Subtask struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	Index        int          `json:"index"`
	Description  string       `json:"description,omitempty"`
	Call         ToolCall     `json:"tool_call"`
	State        SubtaskState `json:"state"`
	AttemptCount int          `json:"attempt_count"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Result       string       `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// EventKind labels one progress event on the bus.
type EventKind string

const (
	KindSessionStarted   EventKind = "session_started"
	KindSubtaskStarted   EventKind = "subtask_started"
	KindSubtaskProgress  EventKind = "subtask_progress"
	KindSubtaskCompleted EventKind = "subtask_completed"
	KindSubtaskFailed    EventKind = "subtask_failed"
	KindSessionCompleted EventKind = "session_completed"
	KindSessionFailed    EventKind = "session_failed"
	KindSessionCancelled EventKind = "session_cancelled"
	KindWindowHint       EventKind = "window_hint"
)

// TerminalEvent reports whether k is a session-terminal event kind.
func (k EventKind) TerminalEvent() bool {
	return k == KindSessionCompleted || k == KindSessionFailed || k == KindSessionCancelled
}

// WindowHint is the advisory UI signal emitted around desktop-driving phases.
type WindowHint string

const (
	WindowCompact WindowHint = "compact"
	WindowNormal  WindowHint = "normal"
)

// ProgressEvent is one entry in a session's ordered event stream.
// Sequence is dense and strictly increasing per session, starting at 1.
type ProgressEvent struct {
	SessionID    string       `json:"session_id"`
	Sequence     uint64       `json:"sequence"`
	Kind         EventKind    `json:"kind"`
	Subtask      *Subtask     `json:"subtask,omitempty"`
	SessionState SessionState `json:"session_state"`
	WindowHint   WindowHint   `json:"window_hint,omitempty"`
	Message      string       `json:"message"`
	Failure      *Failure     `json:"failure,omitempty"`
	EmittedAt    time.Time    `json:"emitted_at"`
}

// Failure is the structured error object attached to terminal failure events.
type Failure struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

// Session is one end-to-end run of an instruction. It is mutated only by the
// runner goroutine that owns it; every other reader takes Snapshot().
type Session struct {
	ID          string
	Instruction string // original form, for display and the planner prompt
	Normalized  string // gate-normalized form, for fingerprinting

	mu          sync.Mutex
	state       SessionState
	subtasks    []Subtask
	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time
	failure     *Failure
	seq         uint64

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewSession creates a Pending session for an admitted instruction.
func NewSession(id, instruction, normalized string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		Instruction: instruction,
		Normalized:  normalized,
		state:       StatePending,
		createdAt:   now,
		updatedAt:   now,
		cancelCh:    make(chan struct{}),
	}
}

// Cancel sets the session's cancel token. Idempotent: repeated calls are
// no-ops. The runner observes the token at its next polling point.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// CancelRequested reports whether Cancel has been called.
func (s *Session) CancelRequested() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// CancelChan returns the channel closed by Cancel, for select-based polling
// at suspension points (backoff sleeps, planner RPC).
func (s *Session) CancelChan() <-chan struct{} {
	return s.cancelCh
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to next and reports whether the transition
// was applied. Transitions out of a terminal state are refused: a session
// reaches a terminal state at most once.
func (s *Session) SetState(next SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = next
	s.updatedAt = time.Now().UTC()
	if next.Terminal() {
		t := s.updatedAt
		s.completedAt = &t
	}
	return true
}

// CancelIfPending terminates a session that no runner has claimed yet:
// Pending transitions to Cancelled and true is returned; any other state is
// left untouched. The check and transition happen under one mutex hold, so
// this and a runner's Pending → Planning claim are mutually exclusive and
// exactly one side wins a racing cancel.
func (s *Session) CancelIfPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	s.state = StateCancelled
	s.updatedAt = time.Now().UTC()
	t := s.updatedAt
	s.completedAt = &t
	return true
}

// SetFailure records the structured failure attached to the terminal event.
func (s *Session) SetFailure(f *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = f
}

// NextSeq returns the next dense event sequence number for this session,
// starting at 1. Called only by the owning runner.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// AppendSubtask appends st with the next monotonic index and returns a copy.
// Indexes satisfy subtasks[i].Index == i for the life of the session.
func (s *Session) AppendSubtask(st Subtask) Subtask {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.SessionID = s.ID
	st.Index = len(s.subtasks)
	s.subtasks = append(s.subtasks, st)
	s.updatedAt = time.Now().UTC()
	return st
}

// UpdateSubtask applies fn to subtask i under the session lock and returns a
// copy of the updated subtask. fn must not block.
func (s *Session) UpdateSubtask(i int, fn func(*Subtask)) Subtask {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.subtasks[i])
	s.updatedAt = time.Now().UTC()
	return s.subtasks[i]
}

// SessionSnapshot is an immutable copy-by-value of a session's observable
// fields at the call instant.
type SessionSnapshot struct {
	ID          string       `json:"session_id"`
	Instruction string       `json:"instruction"`
	State       SessionState `json:"state"`
	Subtasks    []Subtask    `json:"subtasks"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Failure     *Failure     `json:"failure,omitempty"`
}

// Snapshot returns a consistent copy of the session's observable fields.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	subtasks := make([]Subtask, len(s.subtasks))
	copy(subtasks, s.subtasks)
	return SessionSnapshot{
		ID:          s.ID,
		Instruction: s.Instruction,
		State:       s.state,
		Subtasks:    subtasks,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
		CompletedAt: s.completedAt,
		Failure:     s.failure,
	}
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}
