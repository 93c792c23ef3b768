package engine

import (
	"sync"

	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// Mutation is one tentative write of a transaction, in program order.
type Mutation struct {
	Key      string
	IsDelete bool
}

// XID identifies a participant's local slice of a distributed
// transaction: the shared timestamp paired with the persistent child
// reference issued by the shared oracle.
type XID struct {
	TID tso.Timestamp
	Ref tso.Reference
}

// Transaction is the per-transaction state machine. Its monitor (mu +
// cond) guards the state and the dependency sets; commit waiters sleep
// on the monitor and are woken by committing dependencies, by shutdown,
// and by finalization.
type Transaction struct {
	id  tso.Timestamp
	ref tso.Reference // persistent child reference; zero for local transactions

	mu   sync.Mutex
	cond *sync.Cond

	state        State
	wasCommitted bool

	reads     map[string]tso.Timestamp // key -> observed version
	mutations []Mutation               // program order, at most one per key
	mutated   map[string]bool          // key -> isDelete

	readFrom map[tso.Timestamp]struct{} // unresolved commit dependencies
	readBy   map[tso.Timestamp]struct{} // dependents to wake on resolution
	cascade  bool                       // a dependency aborted

	abortErr *AbortedError

	firstSID txlog.SID
	lastSID  txlog.SID
}

func newTransaction(id tso.Timestamp) *Transaction {
	t := &Transaction{
		id:       id,
		state:    StateCreated,
		reads:    make(map[string]tso.Timestamp),
		mutated:  make(map[string]bool),
		readFrom: make(map[tso.Timestamp]struct{}),
		readBy:   make(map[tso.Timestamp]struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ID returns the transaction identifier.
func (t *Transaction) ID() tso.Timestamp {
	return t.id
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Committed reports whether the transaction's decided outcome is commit.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wasCommitted
}

// recordRead notes that the transaction observed (key, version).
func (t *Transaction) recordRead(key string, version tso.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[key] = version
}

// readVersion returns the version the transaction observed for key.
func (t *Transaction) readVersion(key string) (tso.Timestamp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.reads[key]
	return v, ok
}

// mutatedKey reports whether the transaction already mutated key, and
// whether that mutation was a delete.
func (t *Transaction) mutatedKey(key string) (isDelete bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	isDelete, ok = t.mutated[key]
	return isDelete, ok
}

// addMutation appends a tentative write. The read-before-write
// precondition and the one-mutation-per-key invariant are checked by
// the manager before the call.
func (t *Transaction) addMutation(key string, isDelete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutations = append(t.mutations, Mutation{Key: key, IsDelete: isDelete})
	t.mutated[key] = isDelete
}

// dropMutation removes the tentative write of key, unwinding a failed
// store operation.
func (t *Transaction) dropMutation(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mutated, key)
	for i := len(t.mutations) - 1; i >= 0; i-- {
		if t.mutations[i].Key == key {
			t.mutations = append(t.mutations[:i], t.mutations[i+1:]...)
			break
		}
	}
}

// addReadFrom registers an unresolved dependency on dep.
func (t *Transaction) addReadFrom(dep tso.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readFrom[dep] = struct{}{}
}

// addReadBy registers reader as a dependent and reports the current
// resolution, so the caller can resolve immediately when this
// transaction already decided.
func (t *Transaction) addReadBy(reader tso.Timestamp) (resolved bool, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBy[reader] = struct{}{}
	return t.state.resolved(), t.wasCommitted
}

// resolveDependency records the outcome of dependency dep and wakes the
// monitor. A committed dependency is removed from readFrom; an aborted
// one marks the transaction for cascaded abort.
func (t *Transaction) resolveDependency(dep tso.Timestamp, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if committed {
		delete(t.readFrom, dep)
	} else {
		t.cascade = true
	}
	t.cond.Broadcast()
}

// unblock wakes every waiter on the monitor. Woken waiters re-check the
// engine's running flag.
func (t *Transaction) unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cond.Broadcast()
}

// snapshotReadBy copies the dependent set.
func (t *Transaction) snapshotReadBy() []tso.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tso.Timestamp, 0, len(t.readBy))
	for tid := range t.readBy {
		out = append(out, tid)
	}
	return out
}

// snapshotMutations copies the mutation list.
func (t *Transaction) snapshotMutations() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, len(t.mutations))
	copy(out, t.mutations)
	return out
}

// snapshotReads copies the read set.
func (t *Transaction) snapshotReads() map[string]tso.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]tso.Timestamp, len(t.reads))
	for k, v := range t.reads {
		out[k] = v
	}
	return out
}
