// Package errkind implements the block builder's error taxonomy: every
// error that crosses a component boundary is wrapped in exactly one of the
// four kinds below, the Go analogue of the teacher's thiserror-derived enum
// (original_source/block-builder/src/app/error.rs).
package errkind

import "errors"

// Validation indicates a caller-supplied request was rejected: wrong nonce,
// bad signature, unknown pubkey, duplicate request. Callers surface these to
// the HTTP client as 4xx.
type Validation struct {
	Op  string
	Err error
}

func (e *Validation) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Validation) Unwrap() error { return e.Err }

func NewValidation(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Validation{Op: op, Err: err}
}

// Transient indicates a retryable infrastructure failure: Redis connection
// refused, RPC timeout, HTTP 5xx from an external service. Background loops
// retry after backoff; HTTP handlers surface 503.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Op: op, Err: err}
}

// Inconsistent indicates state that should be impossible under the
// documented invariants: a memo referenced by a mapping key is missing, a
// queue contains a request with no backing hash entry. These are logged at
// error level and the offending item is skipped, never silently dropped.
type Inconsistent struct {
	Op  string
	Err error
}

func (e *Inconsistent) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Inconsistent) Unwrap() error { return e.Err }

func NewInconsistent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Inconsistent{Op: op, Err: err}
}

// Fatal indicates startup-time misconfiguration: a malformed env var, an
// unparsable private key. The process should not start.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Fatal) Unwrap() error { return e.Err }

func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}

func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

func IsInconsistent(err error) bool {
	var i *Inconsistent
	return errors.As(err, &i)
}

func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
