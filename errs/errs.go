// Package errs defines the control plane's error kinds. Every component
// returns one of these instead of ad-hoc errors so callers (API adapters,
// retry policies, CLI) can classify failures without string matching.
package errs

import (
	"errors"
	"fmt"

	goa "goa.design/goa/v3/pkg"
)

// Kind names one of the nine recognized error kinds. Kinds map 1:1 onto a
// goa.ServiceError name so transport adapters can derive HTTP status classes
// without importing this package's constructors.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindOptimisticLock    Kind = "optimistic_lock_conflict"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindTimeout           Kind = "timeout"
	KindCircuitOpen       Kind = "circuit_open"
	KindTransientStore    Kind = "transient_store_error"
	KindFatalInternal     Kind = "fatal_internal"
)

// Validation reports a caller input error. Never retried.
func Validation(field, reason string) *goa.ServiceError {
	return goa.PermanentError(string(KindValidation), "%s: %s", field, reason)
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *goa.ServiceError {
	return goa.PermanentError(string(KindNotFound), "%s %q not found", entity, id)
}

// InvalidTransitionErr reports an illegal state machine transition. Carries
// the current and attempted states so callers can render a 409 with context.
func InvalidTransitionErr(from, event string) *goa.ServiceError {
	return goa.PermanentError(string(KindInvalidTransition), "transition %q not valid from state %q", event, from)
}

// OptimisticLockConflict reports a version mismatch on a predicated update.
// Retriable: TransactionManager retries automatically up to its ceiling.
func OptimisticLockConflict(table, id string, expected, actual int64) *goa.ServiceError {
	return goa.TemporaryError(string(KindOptimisticLock),
		"%s %q: version conflict (expected %d, actual %d)", table, id, expected, actual)
}

// BudgetExceeded reports which hierarchy level rejected a consume. Never retried.
func BudgetExceeded(level string) *goa.ServiceError {
	return goa.PermanentError(string(KindBudgetExceeded), "budget exceeded at level %q", level)
}

// TimeoutErr reports a deadline exceeded on an external call. Retried per the
// caller's policy; not retried automatically by this package.
func TimeoutErr(op string) *goa.ServiceError {
	return goa.TemporaryTimeoutError(string(KindTimeout), "operation %q timed out", op)
}

// CircuitOpen reports a federation circuit breaker in the open state.
func CircuitOpen(clusterID string) *goa.ServiceError {
	return goa.TemporaryError(string(KindCircuitOpen), "circuit open for cluster %q", clusterID)
}

// TransientStore reports a retriable durable-store failure.
func TransientStore(op string, cause error) *goa.ServiceError {
	return goa.TemporaryError(string(KindTransientStore), "%s: %v", op, cause)
}

// FatalInternal reports an unrecoverable internal error; never retried.
func FatalInternal(op string, cause error) *goa.ServiceError {
	return goa.PermanentFault(string(KindFatalInternal), "%s: %v", op, cause)
}

// KindOf extracts the Kind from err, if err is (or wraps) a *goa.ServiceError
// produced by this package. The second return is false for any other error.
func KindOf(err error) (Kind, bool) {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		return "", false
	}
	switch Kind(se.Name) {
	case KindValidation, KindNotFound, KindInvalidTransition, KindOptimisticLock,
		KindBudgetExceeded, KindTimeout, KindCircuitOpen, KindTransientStore, KindFatalInternal:
		return Kind(se.Name), true
	default:
		return "", false
	}
}

// Retriable reports whether err's kind is one the caller should retry
// (OptimisticLockConflict, Timeout, CircuitOpen, TransientStoreError).
func Retriable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindOptimisticLock, KindTimeout, KindCircuitOpen, KindTransientStore:
		return true
	default:
		return false
	}
}

// OptimisticLockError models the distinguished conflict error named in
// spec §4.1, carrying structured fields for programmatic inspection beyond
// what goa.ServiceError's flat message offers.
type OptimisticLockError struct {
	Table    string
	ID       string
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("%s %q: version conflict (expected %d, actual %d)", e.Table, e.ID, e.Expected, e.Actual)
}

// AsServiceError converts e into the goa.ServiceError surfaced to transport
// adapters.
func (e *OptimisticLockError) AsServiceError() *goa.ServiceError {
	return OptimisticLockConflict(e.Table, e.ID, e.Expected, e.Actual)
}

// InvalidTransitionError models the distinguished transition error named in
// spec §4.3/§4.4.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %q not valid from state %q", e.Event, e.From)
}

// AsServiceError converts e into the goa.ServiceError surfaced to transport
// adapters.
func (e *InvalidTransitionError) AsServiceError() *goa.ServiceError {
	return InvalidTransitionErr(e.From, e.Event)
}

// BudgetExceededError models the distinguished budget error named in spec §4.7.
type BudgetExceededError struct {
	Level string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded at level %q", e.Level)
}

// AsServiceError converts e into the goa.ServiceError surfaced to transport
// adapters.
func (e *BudgetExceededError) AsServiceError() *goa.ServiceError {
	return BudgetExceeded(e.Level)
}
