// Package errors defines the error taxonomy shared across gatekeep.
//
// The first four sentinels are recoverable and surfaced verbatim to callers
// with machine-readable discriminants. ErrStoreUnavailable is fatal for the
// subsystem and is reported to callers only as a generic unavailable result.
package errors

import "errors"

var (
	// ErrLockTimeout is returned when a lock could not be acquired within
	// the caller's wait budget. Transient and retryable, not a security
	// signal.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrInvalidFactor is returned when a presented 2FA code or PIN fails
	// verification.
	ErrInvalidFactor = errors.New("invalid factor")
	// ErrLockedOut is returned while a lockout marker is in force.
	ErrLockedOut = errors.New("locked out")
	// ErrReplayDetected is returned when a one-time code is presented a
	// second time within its replay window. Callers see it as an invalid
	// factor; it exists as a distinct sentinel for fraud monitoring.
	ErrReplayDetected = errors.New("replay detected")
	// ErrStoreUnavailable is returned when the keyed store cannot be
	// reached.
	ErrStoreUnavailable = errors.New("keyed store unavailable")
	// ErrInsufficientFunds is returned by ledger reservations that cannot
	// be covered.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
