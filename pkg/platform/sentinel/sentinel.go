package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: row does not exist in the store
//   - ErrConflict: row already exists
//   - ErrExpired: mandate/session has expired
//   - ErrAlreadyUsed: write-once field was already filled (audit result)
//   - ErrInvalidState: entity in wrong state for requested transition
//   - ErrUnavailable: backing service temporarily unavailable
//   - ErrLockHeld: another holder owns the keyed lock
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrLockHeld     = errors.New("lock held")
)
