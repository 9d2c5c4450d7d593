package durable

import "errors"

// ErrConcurrencyConflict is returned when a CAS-guarded stored procedure
// finds the row's current (state, state_version) does not match the
// caller's expectation.
var ErrConcurrencyConflict = errors.New("durable: concurrency conflict")

// ErrFencingTokenMismatch is returned when a guarded write's fencing
// token no longer matches the token on file (the lease was reassigned).
var ErrFencingTokenMismatch = errors.New("durable: fencing token mismatch")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("durable: not found")

// ErrInvalidTransition is returned when (from_state, to_state) is not in
// the transition table.
var ErrInvalidTransition = errors.New("durable: invalid state transition")
