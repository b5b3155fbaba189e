package core

import "errors"

// Sentinel errors for expected domain outcomes. Callers match with errors.Is;
// everything else is wrapped context around one of these or a storage error.
var (
	// ErrInvalidEvent marks an event rejected before reaching the engine.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrDuplicateEvent marks an event id the engine has already evaluated.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidParameter marks a condition or reward whose parameters fail
	// validation. Permanent: never retried.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNegativeBalance marks a points mutation that would drive a category
	// below zero when the category disallows negative balances.
	ErrNegativeBalance = errors.New("negative balance not allowed")

	// ErrUnknownCategory marks a reward referencing an undefined category.
	ErrUnknownCategory = errors.New("unknown point category")
)
