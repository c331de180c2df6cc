package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/bus"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/gate"
	"github.com/haricheung/deskpilot/internal/history"
	"github.com/haricheung/deskpilot/internal/runner"
	"github.com/haricheung/deskpilot/internal/types"
)

// stubPlanner returns a fixed one-step plan.
type stubPlanner struct{}

func (stubPlanner) Plan(context.Context, string, []driver.ToolSpec) (types.Plan, error) {
	return types.Plan{Steps: []types.ToolCall{
		{Tool: driver.ToolClick, Args: map[string]any{"locator": "button:OK"}},
	}}, nil
}

// gatedExecutor blocks each Execute until released, so tests can hold a
// session in the running state.
type gatedExecutor struct {
	release chan struct{} // one receive per Execute; closed = never block
}

func (g *gatedExecutor) Execute(ctx context.Context, _ types.ToolCall) (types.ActionResult, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return types.ActionResult{}, types.StepErr(types.KindExecutorTransient, ctx.Err())
	}
	return types.ActionResult{Output: "ok"}, nil
}

func (g *gatedExecutor) Catalog() []driver.ToolSpec {
	return driver.New("deskpilot-driver", 0, zap.NewNop()).Catalog()
}

func newTestManager(t *testing.T, cfg Config, exec runner.ActionExecutor) *Manager {
	t.Helper()
	hist, err := history.NewStore(filepath.Join(t.TempDir(), "history"), zap.NewNop())
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(hist.Close)
	b := bus.New(256, time.Minute, zap.NewNop())
	rcfg := runner.Config{
		PlanTimeout: time.Second,
		StepTimeout: time.Second,
		PlanRetries: 1,
		StepRetries: 1,
		PlanBackoff: time.Millisecond,
		StepBackoff: time.Millisecond,
	}
	r := runner.New(rcfg, stubPlanner{}, exec, runner.NewObserver(), nil, hist, b, zap.NewNop())
	m := New(cfg, gate.New(), r, b, hist, zap.NewNop())
	t.Cleanup(m.Shutdown)
	return m
}

func openExecutor() *gatedExecutor {
	release := make(chan struct{})
	close(release)
	return &gatedExecutor{release: release}
}

// waitTerminal drains the session's stream until it closes and returns the
// last event kind.
func waitTerminal(t *testing.T, m *Manager, id string) types.EventKind {
	t.Helper()
	sub, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var last types.EventKind
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return last
			}
			last = e.Kind
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s never terminated", id)
		}
	}
}

// --- Start ---

func TestStart_AdmitsAndCompletes(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, openExecutor())
	id, err := m.Start("click ok")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := waitTerminal(t, m, id); got != types.KindSessionCompleted {
		t.Errorf("terminal kind = %q, want completed", got)
	}
	snap, ok := m.Get(id)
	if !ok {
		t.Fatal("session missing from registry")
	}
	if snap.State != types.StateCompleted {
		t.Errorf("state = %q, want completed", snap.State)
	}
}

func TestStart_GateRejectionBeforeAnySession(t *testing.T) {
	// A gate rejection produces no session and no stream
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, openExecutor())
	_, err := m.Start("   ")
	var re *types.RejectError
	if !errors.As(err, &re) || re.Reason != types.RejectEmpty {
		t.Fatalf("err = %v, want reject empty", err)
	}
}

func TestStart_BackpressureFull(t *testing.T) {
	// With one worker held and the queue full, the next start is rejected
	exec := &gatedExecutor{release: make(chan struct{})}
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 1}, exec)

	first, err := m.Start("task one")
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	// Wait until the first session left the queue for a worker.
	deadline := time.Now().Add(time.Second)
	for {
		if snap, _ := m.Get(first); snap.State != types.StatePending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first session never picked up")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := m.Start("task two"); err != nil {
		t.Fatalf("start second (queued): %v", err)
	}

	_, err = m.Start("task three")
	var re *types.RejectError
	if !errors.As(err, &re) || re.Reason != types.RejectBackpressureFull {
		t.Fatalf("err = %v, want backpressure reject", err)
	}

	close(exec.release)
}

func TestStart_QueuedSessionsRunInFIFOOrder(t *testing.T) {
	// With one worker, queued sessions complete in submission order
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 8}, openExecutor())
	var ids []string
	for _, instr := range []string{"task a", "task b", "task c"} {
		id, err := m.Start(instr)
		if err != nil {
			t.Fatalf("start %q: %v", instr, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}
	var done []time.Time
	for _, id := range ids {
		snap, _ := m.Get(id)
		if snap.CompletedAt == nil {
			t.Fatalf("session %s not finalized", id)
		}
		done = append(done, *snap.CompletedAt)
	}
	if done[0].After(done[1]) || done[1].After(done[2]) {
		t.Errorf("completion order %v not FIFO", done)
	}
}

// --- Cancel ---

func TestCancel_UnknownSession(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, openExecutor())
	if got := m.Cancel("nope"); got != CancelNotFound {
		t.Errorf("status = %q, want not found", got)
	}
}

func TestCancel_TerminalSession(t *testing.T) {
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, openExecutor())
	id, err := m.Start("click ok")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, m, id)
	if got := m.Cancel(id); got != CancelAlreadyTerminal {
		t.Errorf("status = %q, want already terminal", got)
	}
}

func TestCancel_PendingSessionIsImmediate(t *testing.T) {
	// Cancelling a queued session terminates it without a worker
	exec := &gatedExecutor{release: make(chan struct{})}
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, exec)

	blocker, err := m.Start("task blocker")
	if err != nil {
		t.Fatalf("start blocker: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if snap, _ := m.Get(blocker); snap.State != types.StatePending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("blocker never picked up")
		}
		time.Sleep(time.Millisecond)
	}

	queued, err := m.Start("task queued")
	if err != nil {
		t.Fatalf("start queued: %v", err)
	}
	if got := m.Cancel(queued); got != CancelAccepted {
		t.Fatalf("status = %q, want accepted", got)
	}
	snap, _ := m.Get(queued)
	if snap.State != types.StateCancelled {
		t.Errorf("state = %q immediately after pending cancel, want cancelled", snap.State)
	}
	if got := waitTerminal(t, m, queued); got != types.KindSessionCancelled {
		t.Errorf("terminal kind = %q, want cancelled", got)
	}

	close(exec.release)
	waitTerminal(t, m, blocker)
}

func TestCancel_RunningSessionIsCooperative(t *testing.T) {
	// Cancelling a running session takes effect after the in-flight step
	exec := &gatedExecutor{release: make(chan struct{}, 8)}
	m := newTestManager(t, Config{MaxConcurrent: 1, QueueCap: 4}, exec)

	id, err := m.Start("click ok")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if snap, _ := m.Get(id); snap.State == types.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached running")
		}
		time.Sleep(time.Millisecond)
	}

	if got := m.Cancel(id); got != CancelAccepted {
		t.Fatalf("status = %q, want accepted", got)
	}
	exec.release <- struct{}{} // let the in-flight step finish

	if got := waitTerminal(t, m, id); got != types.KindSessionCompleted && got != types.KindSessionCancelled {
		t.Errorf("terminal kind = %q", got)
	}
	snap, _ := m.Get(id)
	if !snap.State.Terminal() {
		t.Errorf("state = %q, want terminal", snap.State)
	}
}
