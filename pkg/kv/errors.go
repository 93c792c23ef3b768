package kv

import "errors"

var (
	// ErrStoreStopped is returned when operating on a stopped store
	ErrStoreStopped = errors.New("store is stopped")
)
