package types

import "fmt"

// RejectReason is a caller-visible reason for refusing an instruction before
// any planner cost is incurred.
type RejectReason string

const (
	RejectEmpty            RejectReason = "empty"
	RejectTooLong          RejectReason = "too_long"
	RejectNoContent        RejectReason = "no_content"
	RejectForbidden        RejectReason = "forbidden"
	RejectBackpressureFull RejectReason = "backpressure_full"
)

// RejectError wraps a RejectReason as an error for the submission surface.
// Reject errors never reach the runner.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// ErrKind discriminates the internal error taxonomy. Retryable kinds are
// swallowed within their retry budget; only budget exhaustion surfaces.
type ErrKind string

const (
	// Planning kinds — retried by the runner up to R_PLAN, then mapped to
	// KindPlanningFailed and the session fails.
	KindPlanningTimeout   ErrKind = "planning_timeout"
	KindPlanningRefused   ErrKind = "planning_refused"
	KindPlanningMalformed ErrKind = "planning_malformed"
	KindPlanningFailed    ErrKind = "planning_failed"

	// Execution kinds.
	KindExecutorTransient  ErrKind = "executor_transient"
	KindExecutorFatal      ErrKind = "executor_fatal"
	KindVerificationFailed ErrKind = "verification_failed"

	// Infrastructure kinds — logged; never fail a session in progress.
	KindHistoryIO ErrKind = "history_io"
	KindCacheIO   ErrKind = "cache_io"
)

// StepError carries an ErrKind through the runner's retry state machine.
type StepError struct {
	Kind ErrKind
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable reports whether the error consumes a retry slot rather than
// failing its phase outright. Timeouts count as retryable failures.
func (e *StepError) Retryable() bool {
	switch e.Kind {
	case KindExecutorTransient, KindVerificationFailed,
		KindPlanningTimeout, KindPlanningRefused, KindPlanningMalformed:
		return true
	}
	return false
}

// StepErr builds a StepError. Convenience for the runner's hot paths.
func StepErr(kind ErrKind, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}
