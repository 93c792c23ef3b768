package engine

import (
	"errors"
	"fmt"

	"github.com/strategist922/troups/pkg/tso"
)

var (
	// ErrNoSuchTransaction is returned when a TID is not in the directory
	ErrNoSuchTransaction = errors.New("no such transaction")

	// ErrIllegalState is returned when a caller violates the API protocol
	ErrIllegalState = errors.New("illegal transaction state")

	// ErrEngineStopped is returned from any operation once the engine
	// has entered shutdown
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrPrepareUnsupported is returned when prepare is invoked on an
	// engine whose policy does not participate in distributed commit
	ErrPrepareUnsupported = errors.New("prepare is not supported by this engine")
)

// AbortReason classifies why a transaction was aborted.
type AbortReason int

const (
	// AbortWriteConflict: the write would violate timestamp ordering.
	AbortWriteConflict AbortReason = iota
	// AbortCascaded: a read-from dependency aborted.
	AbortCascaded
	// AbortEngineStopped: the engine shut down while the transaction
	// was blocked.
	AbortEngineStopped
	// AbortDeadline: the transaction's timestamp was reclaimed or its
	// coordinator released it before a decision.
	AbortDeadline
	// AbortIo: a log or store I/O failure forced the abort.
	AbortIo
	// AbortRequested: the caller asked for the abort.
	AbortRequested
)

// String returns the reason name.
func (r AbortReason) String() string {
	switch r {
	case AbortWriteConflict:
		return "write_conflict"
	case AbortCascaded:
		return "cascaded_abort"
	case AbortEngineStopped:
		return "engine_stopped"
	case AbortDeadline:
		return "deadline"
	case AbortIo:
		return "io"
	case AbortRequested:
		return "requested"
	}
	return "unknown"
}

// AbortedError reports that a transaction was aborted, and why.
type AbortedError struct {
	TID    tso.Timestamp
	Reason AbortReason
	Err    error // inner cause, set for AbortIo
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %d aborted (%s): %v", e.TID, e.Reason, e.Err)
	}
	return fmt.Sprintf("transaction %d aborted (%s)", e.TID, e.Reason)
}

// Unwrap returns the inner cause.
func (e *AbortedError) Unwrap() error {
	return e.Err
}

// AsAborted extracts an AbortedError from err, if present.
func AsAborted(err error) (*AbortedError, bool) {
	var aerr *AbortedError
	if errors.As(err, &aerr) {
		return aerr, true
	}
	return nil, false
}
