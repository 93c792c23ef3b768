// Package kv defines the contract between the engine and the hosting
// multi-version key/value store: the versioned cell capabilities the
// engine consumes, and the observer channels through which the host
// invites the engine into every transactional operation.
package kv

import (
	"github.com/strategist922/troups/pkg/tso"
)

// KeyVersion names the exact version of a key a read was served from.
type KeyVersion struct {
	Key     string
	Version tso.Timestamp
}

// Store is the multi-version cell store capability the engine consumes.
// A cell version is identified by (key, timestamp); versions are
// totally ordered per key by timestamp.
type Store interface {
	// Put writes the version of key tagged with ts.
	Put(key string, ts tso.Timestamp, value []byte) error

	// Get returns the greatest version of key with timestamp <= upTo.
	// A tombstone version is returned with a nil value.
	Get(key string, upTo tso.Timestamp) (tso.Timestamp, []byte, bool, error)

	// DeleteVersion removes the exact version (key, ts). Removing a
	// version that does not exist is a no-op.
	DeleteVersion(key string, ts tso.Timestamp) error

	// DeleteVersions removes all versions of key with timestamp <=
	// upTo, oldest first, so that an interruption never removes a
	// version while an older one survives. Idempotent.
	DeleteVersions(key string, upTo tso.Timestamp) error
}

// TransactionObserver is invoked by the hosting store around every
// transactional get, put and delete. An error from a Before hook
// prevents the underlying store action; failures after a successful
// Before hook are reported through the matching Failed hook so the
// observer can unwind its bookkeeping.
type TransactionObserver interface {
	BeforeGet(tid tso.Timestamp, keys []string) error
	// AfterGet receives, for each key the store served, the actual
	// version the read was answered from.
	AfterGet(tid tso.Timestamp, results []KeyVersion) error
	FailedGet(tid tso.Timestamp, keys []string, cause error)

	BeforePut(tid tso.Timestamp, keys []string) error
	AfterPut(tid tso.Timestamp, keys []string) error
	FailedPut(tid tso.Timestamp, keys []string, cause error)

	BeforeDelete(tid tso.Timestamp, keys []string) error
	AfterDelete(tid tso.Timestamp, keys []string) error
	FailedDelete(tid tso.Timestamp, keys []string, cause error)
}

// LifecycleState is a host lifecycle phase broadcast to listeners.
type LifecycleState int

const (
	LifecycleStarting LifecycleState = iota
	LifecycleStarted
	LifecycleStopping
	LifecycleStopped
	LifecycleAborting
)

// String returns the lifecycle phase name.
func (s LifecycleState) String() string {
	switch s {
	case LifecycleStarting:
		return "starting"
	case LifecycleStarted:
		return "started"
	case LifecycleStopping:
		return "stopping"
	case LifecycleStopped:
		return "stopped"
	case LifecycleAborting:
		return "aborting"
	}
	return "unknown"
}

// LifecycleListener observes host lifecycle transitions.
type LifecycleListener func(state LifecycleState)
