// Package session owns session identity, admission, and process-wide
// concurrency. The desktop is a shared singleton, so at most MaxConcurrent
// sessions plan or run at once; the rest wait in a bounded FIFO queue and
// overflow is rejected at the door.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/deskpilot/internal/bus"
	"github.com/haricheung/deskpilot/internal/gate"
	"github.com/haricheung/deskpilot/internal/history"
	"github.com/haricheung/deskpilot/internal/runner"
	"github.com/haricheung/deskpilot/internal/types"
)

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

const (
	CancelAccepted        CancelStatus = "accepted"
	CancelNotFound        CancelStatus = "not_found"
	CancelAlreadyTerminal CancelStatus = "already_terminal"
)

// Config bounds admission.
type Config struct {
	MaxConcurrent int // sessions in planning/running at once
	QueueCap      int // pending queue bound; overflow rejects
}

// Manager tracks sessions and feeds them to the runner workers.
type Manager struct {
	cfg    Config
	gate   *gate.Gate
	runner *runner.Runner
	bus    *bus.Bus
	hist   *history.Store
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*types.Session

	queue  chan *types.Session
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a Manager and starts its worker pool.
func New(cfg Config, g *gate.Gate, r *runner.Runner, b *bus.Bus, hist *history.Store, log *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)
	m := &Manager{
		cfg:      cfg,
		gate:     g,
		runner:   r,
		bus:      b,
		hist:     hist,
		log:      log,
		sessions: make(map[string]*types.Session),
		queue:    make(chan *types.Session, cfg.QueueCap),
		group:    grp,
		cancel:   cancel,
	}
	for i := 0; i < cfg.MaxConcurrent; i++ {
		grp.Go(func() error {
			for s := range m.queue {
				if s.State().Terminal() {
					continue
				}
				m.runner.Run(ctx, s)
			}
			return nil
		})
	}
	return m
}

// Start admits an instruction and enqueues a new session.
//
// Expectations:
//   - Gate rejections (empty, too long, no content, forbidden) surface as
//     *types.RejectError before any session exists
//   - A full queue rejects with the backpressure reason and leaves no
//     session behind
//   - On success the session is registered on the bus before Start returns,
//     so an immediate Subscribe never misses events
func (m *Manager) Start(instruction string) (string, error) {
	admitted, err := m.gate.Admit(instruction)
	if err != nil {
		return "", err
	}

	s := types.NewSession(uuid.New().String(), admitted.Original, admitted.Normalized)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.bus.Register(s.ID)

	select {
	case m.queue <- s:
	default:
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		return "", &types.RejectError{Reason: types.RejectBackpressureFull, Detail: "pending queue full"}
	}

	m.log.Info("session admitted", zap.String("session_id", s.ID))
	return s.ID, nil
}

// Cancel requests cancellation of a session. Idempotent; cancelling an
// already-cancelled session reports AlreadyTerminal.
//
// A Pending session is cancelled immediately: it terminates here and the
// worker skips it on dequeue. Planning/Running sessions are cancelled
// cooperatively at the runner's next polling point.
func (m *Manager) Cancel(sessionID string) CancelStatus {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return CancelNotFound
	}

	if s.State().Terminal() {
		return CancelAlreadyTerminal
	}
	s.Cancel()
	// Arbitrated against the runner's Pending → Planning claim under the
	// session mutex: either the session terminates here before any runner
	// touches it, or the claimed runner observes the token cooperatively.
	if s.CancelIfPending() {
		m.emitPendingCancelled(s)
	}
	m.log.Info("cancel requested", zap.String("session_id", sessionID), zap.String("state", string(s.State())))
	return CancelAccepted
}

// emitPendingCancelled produces the terminal record and event for a session
// that never reached a worker.
func (m *Manager) emitPendingCancelled(s *types.Session) {
	snap := s.Snapshot()
	if err := m.hist.Begin(snap); err != nil {
		m.log.Warn("history open failed for cancelled session", zap.String("session_id", s.ID), zap.Error(err))
	}
	evt := types.ProgressEvent{
		SessionID:    s.ID,
		Sequence:     s.NextSeq(),
		Kind:         types.KindSessionCancelled,
		SessionState: types.StateCancelled,
		Message:      "cancelled before start",
		EmittedAt:    time.Now().UTC(),
	}
	if err := m.hist.Append(evt); err != nil {
		m.log.Warn("history append failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	if err := m.hist.Finalize(snap); err != nil {
		m.log.Warn("history finalize failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.bus.Publish(evt)
}

// Get returns a point-in-time snapshot of a session.
func (m *Manager) Get(sessionID string) (types.SessionSnapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return types.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}

// Subscribe attaches to a session's live event stream.
func (m *Manager) Subscribe(sessionID string) (*bus.Subscriber, error) {
	return m.bus.Subscribe(sessionID)
}

// Shutdown stops accepting work and waits for in-flight sessions to reach a
// terminal state.
func (m *Manager) Shutdown() {
	close(m.queue)
	_ = m.group.Wait()
	m.cancel()
}
