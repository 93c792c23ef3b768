package tso

import "errors"

var (
	// ErrOracleClosed is returned when acquiring from a closed oracle
	ErrOracleClosed = errors.New("timestamp oracle is closed")

	// ErrNoSuchTimestamp is returned when a timestamp is not held by the oracle
	ErrNoSuchTimestamp = errors.New("no such timestamp")

	// ErrNoSuchReference is returned when releasing an unknown persistent reference
	ErrNoSuchReference = errors.New("no such reference")

	// ErrAlreadyPersisted is returned when persisting references for a timestamp twice
	ErrAlreadyPersisted = errors.New("references already persisted for timestamp")
)
