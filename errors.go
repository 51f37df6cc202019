package stm

import (
	"github.com/pingcap/errors"
)

// Misuse faults. These mark programming errors rather than runtime
// conditions, so they are raised with panic and are never returned from
// Atomically or DetAtomically.
var (
	// ErrNestedTransaction is raised when Atomically or DetAtomically is
	// entered on a goroutine that is already inside a transaction attempt.
	// Transaction-safe helpers must take a *Txn parameter instead of
	// starting their own top-level transaction.
	ErrNestedTransaction = errors.New("stm: nested top-level transaction")

	// ErrHandleConsumed is raised when a deterministic handle is passed to
	// DetAtomically a second time. A handle stands for exactly one position
	// in the commit order and is consumed by exactly one transaction.
	ErrHandleConsumed = errors.New("stm: deterministic handle already consumed")

	// ErrRegisterAfterFreeze is raised by DTM.Register once the commit
	// order has been frozen.
	ErrRegisterAfterFreeze = errors.New("stm: register after freeze")

	// ErrAlreadyFrozen is raised by DTM.Freeze when the commit order has
	// been frozen before.
	ErrAlreadyFrozen = errors.New("stm: dtm already frozen")
)

// errRetry is the explicit-retry control signal. It is deliberately
// unexported: bodies produce it through Retry or Guard and the driver
// consumes it, so it can never escape to a caller and be mistaken for a
// real failure.
var errRetry = errors.New("stm: retry")

func isRetry(err error) bool {
	return errors.Cause(err) == errRetry
}
