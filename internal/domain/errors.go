package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	// ErrPriceUnavailable is returned by the exchange boundary when no price
	// is available for a symbol.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrTerminalPosition is returned by engine operations attempted against
	// a position in a terminal state.
	ErrTerminalPosition = errors.New("position is in a terminal state")
)

// ErrorKind classifies execution failures for propagation policy decisions:
// validation and safety errors never retry, exchange errors retry locally
// before surfacing, duplicates are safe no-ops, reconciliation errors are
// logged but never roll back committed state.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindSafetyBlocked  ErrorKind = "safety_blocked"
	KindExchange       ErrorKind = "exchange"
	KindDuplicateOrder ErrorKind = "duplicate_order"
	KindReconciliation ErrorKind = "reconciliation_required"
)

// ExecError is a structured execution failure carrying its classification and
// a human-readable reason.
type ExecError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ValidationErrorf builds a pre-execution validation failure.
func ValidationErrorf(format string, args ...any) *ExecError {
	return &ExecError{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// SafetyBlockedf builds a failure caused by the safety gate.
func SafetyBlockedf(format string, args ...any) *ExecError {
	return &ExecError{Kind: KindSafetyBlocked, Reason: fmt.Sprintf(format, args...)}
}

// ExchangeError wraps a failed exchange call after local retries were
// exhausted.
func ExchangeError(reason string, err error) *ExecError {
	return &ExecError{Kind: KindExchange, Reason: reason, Err: err}
}

// DuplicateOrderError marks a repeated idempotency key. Callers treat it as a
// safe no-op, not a failure.
func DuplicateOrderError(key string) *ExecError {
	return &ExecError{Kind: KindDuplicateOrder, Reason: fmt.Sprintf("idempotency key %s already seen", key)}
}

// IsKind reports whether err is an ExecError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}
