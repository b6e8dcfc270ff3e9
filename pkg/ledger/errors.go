package ledger

import "errors"

var (
	// ErrInvalidEntry is returned when an entry is missing required fields
	// or its action data does not match the action type's schema.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrUnknownActionType is returned for action types with no registered schema.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrStaleHead is returned by a Store when an entry no longer extends the
	// current head of its build. It means a writer appended without the
	// build lock.
	ErrStaleHead = errors.New("entry does not extend the current head")

	// ErrChainBroken indicates a hash chain failed verification.
	ErrChainBroken = errors.New("ledger chain broken")

	// ErrBuildHalted is returned for appends to a build whose chain failed
	// verification and has not been cleared by an operator.
	ErrBuildHalted = errors.New("build halted pending review")

	// ErrNotHalted is returned by ClearHalt for a build that is not halted.
	ErrNotHalted = errors.New("build not halted")

	ErrLockContention = errors.New("build lock held by another writer")
	ErrLockTimeout    = errors.New("timed out waiting for build lock")
	ErrNotLocked      = errors.New("build not locked")
	ErrNotLockHolder  = errors.New("build lock held by a different holder")
)
