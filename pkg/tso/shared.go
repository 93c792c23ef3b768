package tso

import (
	"sync"
)

// Reference is a persistent child identifier issued against a shared
// timestamp. A distributed transaction participant pairs its TID with a
// Reference to form its XID.
type Reference uint64

// TimestampListener is notified when a specific shared timestamp is
// released.
type TimestampListener func(ts Timestamp)

// SharedOracle extends Oracle with the distributed-transaction surface:
// shared timestamps issued once per distributed transaction, persistent
// child references, and the atomic decision record that marks the
// coordinator's point of no return.
type SharedOracle interface {
	Oracle

	// AcquireShared issues a timestamp for a distributed transaction.
	AcquireShared() (Timestamp, error)

	// ReleaseShared drops a shared timestamp, fires its timestamp
	// listeners and discards any persisted references.
	ReleaseShared(ts Timestamp) error

	// AcquireReference issues a persistent child reference on ts.
	AcquireReference(ts Timestamp) (Reference, error)

	// ReleaseReference drops a child reference. Unknown references are
	// a no-op.
	ReleaseReference(ts Timestamp, ref Reference) error

	// PersistReferences durably records the commit decision for ts and
	// the set of participating references. It is atomic: after it
	// returns nil the decision survives any crash.
	PersistReferences(ts Timestamp, refs []Reference) error

	// PersistedReferences returns the decision record for ts, if any.
	PersistedReferences(ts Timestamp) ([]Reference, bool)

	// AddTimestampListener subscribes to the release of ts.
	AddTimestampListener(ts Timestamp, fn TimestampListener) error
}

// LocalSharedOracle is an in-memory SharedOracle. Persistence of the
// decision record is layered on by BoltSharedOracle.
type LocalSharedOracle struct {
	*LocalOracle

	mu          sync.Mutex
	nextRef     Reference
	refs        map[Timestamp]map[Reference]struct{}
	persisted   map[Timestamp][]Reference
	tsListeners map[Timestamp][]TimestampListener
}

// NewLocalSharedOracle creates an in-memory shared oracle.
func NewLocalSharedOracle() *LocalSharedOracle {
	return &LocalSharedOracle{
		LocalOracle: NewLocalOracle(),
		refs:        make(map[Timestamp]map[Reference]struct{}),
		persisted:   make(map[Timestamp][]Reference),
		tsListeners: make(map[Timestamp][]TimestampListener),
	}
}

// AcquireShared issues a timestamp for a distributed transaction.
func (o *LocalSharedOracle) AcquireShared() (Timestamp, error) {
	return o.Acquire()
}

// ReleaseShared drops a shared timestamp. Listeners subscribed to the
// timestamp fire before the liveness release so that participants see
// the released signal while the timestamp is still resolvable.
func (o *LocalSharedOracle) ReleaseShared(ts Timestamp) error {
	o.mu.Lock()
	listeners := o.tsListeners[ts]
	delete(o.tsListeners, ts)
	delete(o.refs, ts)
	delete(o.persisted, ts)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(ts)
	}
	return o.Release(ts)
}

// AcquireReference issues a persistent child reference on ts.
func (o *LocalSharedOracle) AcquireReference(ts Timestamp) (Reference, error) {
	if !o.IsHeldByCaller(ts) {
		return 0, ErrNoSuchTimestamp
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextRef++
	ref := o.nextRef
	children, ok := o.refs[ts]
	if !ok {
		children = make(map[Reference]struct{})
		o.refs[ts] = children
	}
	children[ref] = struct{}{}
	return ref, nil
}

// ReleaseReference drops a child reference.
func (o *LocalSharedOracle) ReleaseReference(ts Timestamp, ref Reference) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	children, ok := o.refs[ts]
	if !ok {
		return nil
	}
	delete(children, ref)
	if len(children) == 0 {
		delete(o.refs, ts)
	}
	return nil
}

// PersistReferences records the commit decision for ts.
func (o *LocalSharedOracle) PersistReferences(ts Timestamp, refs []Reference) error {
	if !o.IsHeldByCaller(ts) {
		return ErrNoSuchTimestamp
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.persisted[ts]; ok {
		return ErrAlreadyPersisted
	}
	decision := make([]Reference, len(refs))
	copy(decision, refs)
	o.persisted[ts] = decision
	return nil
}

// PersistedReferences returns the decision record for ts, if any.
func (o *LocalSharedOracle) PersistedReferences(ts Timestamp) ([]Reference, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	refs, ok := o.persisted[ts]
	return refs, ok
}

// AddTimestampListener subscribes to the release of ts.
func (o *LocalSharedOracle) AddTimestampListener(ts Timestamp, fn TimestampListener) error {
	if !o.IsHeldByCaller(ts) {
		return ErrNoSuchTimestamp
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tsListeners[ts] = append(o.tsListeners[ts], fn)
	return nil
}

// References returns the live child references of ts.
func (o *LocalSharedOracle) References(ts Timestamp) []Reference {
	o.mu.Lock()
	defer o.mu.Unlock()

	children := o.refs[ts]
	out := make([]Reference, 0, len(children))
	for ref := range children {
		out = append(out, ref)
	}
	return out
}
