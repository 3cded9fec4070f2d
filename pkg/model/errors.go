package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrValidation indicates malformed content or a malformed embedding.
	// Records failing validation are never persisted and never coerced.
	ErrValidation = goerr.New("validation failed")

	// ErrNotFound indicates a read, update or lock targeting an absent ID.
	ErrNotFound = goerr.New("memory not found")

	// ErrLockConflict indicates a uniqueness violation on an active lease.
	// The lease manager translates this into a "not acquired" result;
	// it is an expected outcome under contention, not a failure.
	ErrLockConflict = goerr.New("lock conflict")

	// ErrTransactionState indicates commit/rollback/locked-read misuse
	// outside an open transaction.
	ErrTransactionState = goerr.New("invalid transaction state")

	// ErrStorage indicates a backend-level failure such as connection loss.
	ErrStorage = goerr.New("storage failure")
)
