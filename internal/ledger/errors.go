package ledger

import (
	"errors"

	"mengji/ledger/internal/store"
)

var (
	ErrAuthRequired    = errors.New("authentication required")
	ErrEmptySubmission = errors.New("nothing to submit: income, sales and expenses are all empty")
	ErrNotPending      = errors.New("day is not awaiting confirmation")
	ErrInFlight        = errors.New("action already in flight")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrInvalidValue    = errors.New("invalid value")
	ErrInvalidDate     = errors.New("invalid date")
	ErrFutureDate      = errors.New("date is in the future")
	ErrNotLocked       = errors.New("day is not finalized yet")

	// Lock conflicts share identity with the store so errors.Is matches
	// whether the rejection came from memory or from the row guard.
	ErrModuleLocked = store.ErrModuleLocked
	ErrDayLocked    = store.ErrDayLocked
)
