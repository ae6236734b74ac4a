package service

import "errors"

var (
	ErrInvalidVehicleID = errors.New("vehicle_id is required")

	// ErrNotReady means no ledger binding is live. Initialize first.
	ErrNotReady = errors.New("not initialized")

	// ErrConflict means an action for the same vehicle is still in flight.
	ErrConflict = errors.New("action already in flight for vehicle")

	ErrSubmissionRejected = errors.New("transaction submission rejected")
	ErrReverted           = errors.New("transaction reverted")

	// ErrTimeout means confirmation did not arrive in time. The transaction
	// may still be included later; nothing is retried.
	ErrTimeout = errors.New("confirmation timed out")

	ErrReconcile = errors.New("reconcile failed")
	ErrClosed    = errors.New("closed")
)
