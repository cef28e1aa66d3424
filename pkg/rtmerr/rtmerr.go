// Package rtmerr implements the error taxonomy of the supervisor: behavior
// classes, not type names. Callers discriminate with errors.As against the
// handful of wrapper types below, then decide retry/abort/exit accordingly.
package rtmerr

import "fmt"

// Retriable wraps a transient I/O error (network, runtime socket, DB lock)
// that local bounded-backoff retry may resolve.
type Retriable struct {
	Op  string
	Err error
}

func (e *Retriable) Error() string { return fmt.Sprintf("%s: retriable: %v", e.Op, e.Err) }
func (e *Retriable) Unwrap() error { return e.Err }

// NewRetriable wraps err as a Retriable error for the named operation.
func NewRetriable(op string, err error) error { return &Retriable{Op: op, Err: err} }

// Transient wraps a runtime-semantic error (image not found, port conflict,
// insufficient resources) that should be recorded against the service and
// retried only when the target changes, never retried blindly.
type Transient struct {
	Op     string
	Reason string
	Err    error
}

func (e *Transient) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
func (e *Transient) Unwrap() error { return e.Err }

// NewTransient creates a Transient error with a human-readable reason.
func NewTransient(op, reason string, err error) error {
	return &Transient{Op: op, Reason: reason, Err: err}
}

// StateViolation wraps a state-model violation (duplicate service_id,
// invalid port spec, unknown image ref) rejected at plan time before any
// runtime call is made.
type StateViolation struct {
	Op     string
	Reason string
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("%s: invalid state: %s", e.Op, e.Reason)
}

// NewStateViolation creates a StateViolation error.
func NewStateViolation(op, reason string) error {
	return &StateViolation{Op: op, Reason: reason}
}

// AuthFailure wraps an identity/auth failure (bad provisioning key, rejected
// device key) that must never be retried automatically with the same
// credentials.
type AuthFailure struct {
	Op     string
	Reason string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("%s: auth failure: %s", e.Op, e.Reason)
}

// NewAuthFailure creates an AuthFailure error.
func NewAuthFailure(op, reason string) error {
	return &AuthFailure{Op: op, Reason: reason}
}

// Fatal wraps a schema-corruption or persistent-store-unreadable error. The
// supervisor should log, flush, and exit non-zero for the orchestrator to
// restart; the device uuid is preserved regardless.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// NewFatal wraps err as a Fatal error for the named operation.
func NewFatal(op string, err error) error { return &Fatal{Op: op, Err: err} }
