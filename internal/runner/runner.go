// Package runner executes one session end to end: resolve a plan (cache or
// planner, with retry), then drive each subtask through the executor with a
// bounded attempt loop and per-tool verification. The runner is the only
// goroutine that mutates its session; it returns when the session is
// terminal.
package runner

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haricheung/deskpilot/internal/bus"
	"github.com/haricheung/deskpilot/internal/driver"
	"github.com/haricheung/deskpilot/internal/history"
	"github.com/haricheung/deskpilot/internal/plancache"
	"github.com/haricheung/deskpilot/internal/types"
)

// Planner produces an ordered plan for an instruction over a tool catalog.
type Planner interface {
	Plan(ctx context.Context, instruction string, catalog []driver.ToolSpec) (types.Plan, error)
}

// ActionExecutor performs one tool call against the desktop.
type ActionExecutor interface {
	Execute(ctx context.Context, call types.ToolCall) (types.ActionResult, error)
	Catalog() []driver.ToolSpec
}

// Observer is the per-tool verification predicate. It is pure over executor
// output and never drives the desktop.
type Observer interface {
	Verify(call types.ToolCall, res types.ActionResult) error
}

// Config bounds the runner's two phases.
type Config struct {
	PlanTimeout time.Duration // per planning attempt
	StepTimeout time.Duration // per executor invocation
	PlanRetries int           // total planning attempts
	StepRetries int           // total attempts per subtask
	PlanBackoff time.Duration // base; doubles per attempt
	StepBackoff time.Duration // base; doubles per attempt
}

// Runner runs sessions. One Runner is shared by all session workers; all
// per-session state lives on the Session itself.
type Runner struct {
	cfg      Config
	planner  Planner
	executor ActionExecutor
	observer Observer
	cache    *plancache.Cache
	hist     *history.Store
	bus      *bus.Bus
	log      *zap.Logger

	// jitterFn perturbs a backoff delay by ±10%. Seam for deterministic tests.
	jitterFn func(d time.Duration) time.Duration
}

// New wires a Runner. cache may be nil to disable plan caching.
func New(cfg Config, planner Planner, executor ActionExecutor, observer Observer,
	cache *plancache.Cache, hist *history.Store, b *bus.Bus, log *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		planner:  planner,
		executor: executor,
		observer: observer,
		cache:    cache,
		hist:     hist,
		bus:      b,
		log:      log,
		jitterFn: defaultJitter,
	}
}

func defaultJitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// Run takes the session from Pending to a terminal state. The caller must
// have registered the session on the bus.
func (r *Runner) Run(ctx context.Context, s *types.Session) {
	log := r.log.With(zap.String("session_id", s.ID))

	// Claim the session. A refused transition means a pending-cancel already
	// terminated it; the manager owns that record and nothing runs here.
	if !s.SetState(types.StatePlanning) {
		return
	}

	if err := r.hist.Begin(s.Snapshot()); err != nil {
		// Unable to open the durable record: fail before doing any work.
		log.Error("history open failed", zap.Error(err))
		s.SetFailure(&types.Failure{Kind: types.KindHistoryIO, Message: err.Error()})
		r.finish(s, types.StateFailed, types.KindSessionFailed)
		return
	}

	r.emit(s, types.KindSessionStarted, func(e *types.ProgressEvent) {
		e.Message = s.Instruction
	})

	plan, ok := r.resolvePlan(ctx, s, log)
	if !ok {
		return // resolvePlan finished the session
	}
	if s.CancelRequested() {
		r.finish(s, types.StateCancelled, types.KindSessionCancelled)
		return
	}

	s.SetState(types.StateRunning)
	r.execute(ctx, s, plan, log)
}

// resolvePlan is phase one: cache consult, then planner with retry. Returns
// false when it terminated the session (planning failure or cancel).
func (r *Runner) resolvePlan(ctx context.Context, s *types.Session, log *zap.Logger) (types.Plan, bool) {
	if r.cache != nil {
		if plan, origin, hit := r.cache.Lookup(ctx, s.Normalized); hit {
			log.Info("plan served from cache", zap.String("origin", string(origin)))
			r.emit(s, types.KindSubtaskProgress, func(e *types.ProgressEvent) {
				e.Message = "plan served from cache (" + string(origin) + ")"
			})
			return plan, true
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.PlanRetries; attempt++ {
		if s.CancelRequested() {
			r.finish(s, types.StateCancelled, types.KindSessionCancelled)
			return types.Plan{}, false
		}

		pctx, cancel := context.WithTimeout(ctx, r.cfg.PlanTimeout)
		plan, err := r.planner.Plan(pctx, s.Instruction, r.executor.Catalog())
		cancel()
		if err == nil {
			if r.cache != nil {
				r.cache.Insert(ctx, s.Normalized, nil, plan)
			}
			return plan, true
		}

		lastErr = err
		log.Warn("planning attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		var se *types.StepError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
		if attempt < r.cfg.PlanRetries {
			if !r.backoff(ctx, s, r.cfg.PlanBackoff, attempt) {
				r.finish(s, types.StateCancelled, types.KindSessionCancelled)
				return types.Plan{}, false
			}
		}
	}

	// A cancel that landed during the final attempt wins over the failure.
	if s.CancelRequested() {
		r.finish(s, types.StateCancelled, types.KindSessionCancelled)
		return types.Plan{}, false
	}
	s.SetFailure(&types.Failure{Kind: types.KindPlanningFailed, Message: lastErr.Error()})
	r.finish(s, types.StateFailed, types.KindSessionFailed)
	return types.Plan{}, false
}

// execute is phase two: the subtask loop.
func (r *Runner) execute(ctx context.Context, s *types.Session, plan types.Plan, log *zap.Logger) {
	compact := false
	for _, step := range plan.Steps {
		if s.CancelRequested() {
			r.finish(s, types.StateCancelled, types.KindSessionCancelled)
			return
		}

		if !compact && drivesDesktop(step.Tool) {
			compact = true
			r.emit(s, types.KindWindowHint, func(e *types.ProgressEvent) {
				e.WindowHint = types.WindowCompact
			})
		}

		st := s.AppendSubtask(types.Subtask{
			ID:          uuid.New().String(),
			Description: step.Description,
			Call:        step,
			State:       types.SubtaskPending,
		})
		now := time.Now().UTC()
		st = s.UpdateSubtask(st.Index, func(x *types.Subtask) {
			x.State = types.SubtaskInProgress
			x.StartedAt = &now
		})
		r.emit(s, types.KindSubtaskStarted, withSubtask(st))

		result, cancelled, err := r.attemptLoop(ctx, s, st.Index, step, log)
		if cancelled {
			r.finish(s, types.StateCancelled, types.KindSessionCancelled)
			return
		}

		done := time.Now().UTC()
		if err == nil {
			st = s.UpdateSubtask(st.Index, func(x *types.Subtask) {
				x.State = types.SubtaskCompleted
				x.FinishedAt = &done
				x.Result = result.Output
			})
			r.emit(s, types.KindSubtaskCompleted, withSubtask(st))
			continue
		}

		st = s.UpdateSubtask(st.Index, func(x *types.Subtask) {
			x.State = types.SubtaskFailed
			x.FinishedAt = &done
			x.Error = err.Error()
		})
		r.emit(s, types.KindSubtaskFailed, withSubtask(st))
		// A cancel that landed during the final attempt wins over the failure.
		if s.CancelRequested() {
			r.finish(s, types.StateCancelled, types.KindSessionCancelled)
			return
		}
		if plan.ContinueOnError {
			continue
		}

		s.SetFailure(&types.Failure{Kind: failureKind(err), Message: err.Error()})
		r.finish(s, types.StateFailed, types.KindSessionFailed)
		return
	}

	if compact {
		r.emit(s, types.KindWindowHint, func(e *types.ProgressEvent) {
			e.WindowHint = types.WindowNormal
		})
	}
	r.finish(s, types.StateCompleted, types.KindSessionCompleted)
}

// attemptLoop drives one subtask through up to StepRetries attempts.
// When the call carries both an element locator and coordinates, the first
// attempt is element-based and later attempts fall back to coordinates,
// inside the same budget.
func (r *Runner) attemptLoop(ctx context.Context, s *types.Session, index int, step types.ToolCall, log *zap.Logger) (types.ActionResult, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.StepRetries; attempt++ {
		s.UpdateSubtask(index, func(x *types.Subtask) { x.AttemptCount = attempt })

		call := selectStrategy(step, attempt)
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
		res, err := r.executor.Execute(sctx, call)
		cancel()
		if err == nil {
			if verr := r.observer.Verify(call, res); verr != nil {
				err = types.StepErr(types.KindVerificationFailed, verr)
			}
		}
		if err == nil {
			return res, false, nil
		}

		lastErr = err
		log.Warn("subtask attempt failed",
			zap.Int("subtask", index), zap.Int("attempt", attempt),
			zap.String("tool", step.Tool), zap.Error(err))
		var se *types.StepError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
		if attempt < r.cfg.StepRetries {
			if s.CancelRequested() {
				return types.ActionResult{}, true, lastErr
			}
			if !r.backoff(ctx, s, r.cfg.StepBackoff, attempt) {
				return types.ActionResult{}, true, lastErr
			}
		}
	}
	return types.ActionResult{}, false, lastErr
}

// selectStrategy picks the element-first, coordinate-fallback variant of a
// call that carries both addressing modes. Calls with a single mode pass
// through unchanged.
func selectStrategy(call types.ToolCall, attempt int) types.ToolCall {
	if call.Locator() == "" || !call.HasCoordinates() {
		return call
	}
	trimmed := types.ToolCall{Tool: call.Tool, Description: call.Description, Args: map[string]any{}}
	for k, v := range call.Args {
		trimmed.Args[k] = v
	}
	if attempt == 1 {
		delete(trimmed.Args, "x")
		delete(trimmed.Args, "y")
	} else {
		delete(trimmed.Args, "locator")
	}
	return trimmed
}

// backoff sleeps base·2^(attempt-1) with ±10% jitter. Returns false when the
// session was cancelled or the context ended during the sleep.
func (r *Runner) backoff(ctx context.Context, s *types.Session, base time.Duration, attempt int) bool {
	d := base << (attempt - 1)
	timer := time.NewTimer(r.jitterFn(d))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.CancelChan():
		return false
	case <-ctx.Done():
		return false
	}
}

// finish transitions the session to its terminal state and emits the
// terminal event. SetState refusing the transition means another path
// already terminated the session; nothing more is emitted.
func (r *Runner) finish(s *types.Session, state types.SessionState, kind types.EventKind) {
	if !s.SetState(state) {
		return
	}
	snap := s.Snapshot()
	r.emit(s, kind, func(e *types.ProgressEvent) {
		e.Failure = snap.Failure
		if snap.Failure != nil {
			e.Message = snap.Failure.Message
		}
	})
	if err := r.hist.Finalize(snap); err != nil {
		r.log.Warn("history finalize failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// emit appends the event to history, then publishes it. Append happens
// first: anything a subscriber sees is already durable. An append failure
// is logged and never fails the session.
func (r *Runner) emit(s *types.Session, kind types.EventKind, mutate func(*types.ProgressEvent)) {
	evt := types.ProgressEvent{
		SessionID:    s.ID,
		Sequence:     s.NextSeq(),
		Kind:         kind,
		SessionState: s.State(),
		EmittedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(&evt)
	}
	if err := r.hist.Append(evt); err != nil {
		r.log.Warn("history append failed",
			zap.String("session_id", s.ID), zap.Uint64("sequence", evt.Sequence), zap.Error(err))
	}
	r.bus.Publish(evt)
}

func withSubtask(st types.Subtask) func(*types.ProgressEvent) {
	return func(e *types.ProgressEvent) {
		sub := st
		e.Subtask = &sub
		e.Message = st.Description
	}
}

// drivesDesktop reports whether a tool manipulates the desktop, as opposed
// to purely observing it. Window hints bracket only manipulating phases.
func drivesDesktop(tool string) bool {
	switch tool {
	case driver.ToolReadScreen, driver.ToolWait:
		return false
	}
	return true
}

// failureKind extracts the taxonomy kind for the terminal failure object.
func failureKind(err error) types.ErrKind {
	var se *types.StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return types.KindExecutorFatal
}
