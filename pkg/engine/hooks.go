package engine

import (
	"fmt"

	"github.com/strategist922/troups/pkg/kv"
	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// The engine participates in every store operation as the host's
// kv.TransactionObserver. Before hooks may veto the store action by
// returning an error; Failed hooks unwind the bookkeeping the Before
// hooks installed.

// BeforeGet validates the transaction. MVTO does its read-side work in
// AfterGet, once the chosen versions are known.
func (tm *TransactionManager) BeforeGet(tid tso.Timestamp, keys []string) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}
	if st := txn.State(); !st.active() {
		return fmt.Errorf("%w: read in %s", ErrIllegalState, st)
	}
	return nil
}

// AfterGet applies the MVTO read rule to each (key, chosen-version) the
// store served: a concurrent writer in the forbidden band blocks the
// reader until the writer finalizes (aborting the reader if the writer
// commits), then the read and its commit dependency are recorded and
// logged.
func (tm *TransactionManager) AfterGet(tid tso.Timestamp, results []kv.KeyVersion) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}

	pairs := make([]kvPair, len(results))
	for i, r := range results {
		pairs[i] = kvPair{key: r.Key, version: r.Version}
	}
	for _, p := range sortedResults(pairs) {
		if err := tm.afterGetOne(txn, p.key, p.version); err != nil {
			return err
		}
	}
	return nil
}

func (tm *TransactionManager) afterGetOne(txn *Transaction, key string, version tso.Timestamp) error {
	tid := txn.id
	writer := tm.lookupQuiet(version)
	kx := tm.keyIndexFor(key)

	kx.mu.Lock()
	for {
		w := kx.blockingWriter(version, tid)
		if w == nil || w.id == tid {
			break
		}
		kx.mu.Unlock()

		committed, ok := tm.blockOn(txn, w)
		if !ok {
			aerr := &AbortedError{TID: tid, Reason: AbortEngineStopped}
			if err := tm.abortTransaction(txn, aerr); err != nil {
				return err
			}
			return aerr
		}
		if committed {
			// The writer committed a version between the one this read
			// observed and the reader's timestamp: the read is stale.
			aerr := &AbortedError{TID: tid, Reason: AbortWriteConflict}
			if err := tm.abortTransaction(txn, aerr); err != nil {
				return err
			}
			return aerr
		}
		kx.mu.Lock()
	}

	txn.recordRead(key, version)
	kx.addReader(version, txn)
	if writer == nil && version > 0 {
		// A served version with no directory entry is durable: either
		// written outside the engine or by a long-reclaimed transaction.
		kx.recordKnown(version)
	}

	if writer != nil && writer.id != tid {
		if resolved, committed := peekResolution(writer); !resolved || !committed {
			txn.addReadFrom(writer.id)
			resolvedNow, committedNow := writer.addReadBy(tid)
			if resolvedNow {
				txn.resolveDependency(writer.id, committedNow)
			}
		}
	}

	sid, err := tm.log.AppendGet(tid, key, version)
	kx.mu.Unlock()
	if err != nil {
		aerr := &AbortedError{TID: tid, Reason: AbortIo, Err: err}
		if aberr := tm.abortTransaction(txn, aerr); aberr != nil {
			return aberr
		}
		return aerr
	}
	tm.noteSID(txn, sid)
	return nil
}

// peekResolution reads a transaction's decided outcome without
// registering anything.
func peekResolution(t *Transaction) (resolved bool, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.resolved(), t.wasCommitted
}

// blockOn parks the reader until the writer finalizes. It reports the
// writer's outcome and whether the wait completed (false when the
// engine stopped first).
func (tm *TransactionManager) blockOn(txn, w *Transaction) (committed bool, ok bool) {
	txn.mu.Lock()
	if txn.state == StateStarted {
		txn.state = StateBlocked
	}
	txn.mu.Unlock()
	tm.recorder.ReaderBlocked()
	tm.logger.Debug().
		Uint64("tid", uint64(txn.id)).
		Uint64("writer", uint64(w.id)).
		Msg("reader blocked on concurrent writer")

	w.mu.Lock()
	for w.state != StateFinalized && !tm.stopping.Load() {
		w.cond.Wait()
	}
	finalized := w.state == StateFinalized
	committed = w.wasCommitted
	w.mu.Unlock()

	tm.recorder.ReaderUnblocked()
	txn.mu.Lock()
	if txn.state == StateBlocked {
		txn.state = StateStarted
	}
	txn.mu.Unlock()
	return committed, finalized
}

// BeforePut applies the MVTO write rule before the store acts.
func (tm *TransactionManager) BeforePut(tid tso.Timestamp, keys []string) error {
	return tm.beforeWrite(tid, keys, false)
}

// BeforeDelete applies the MVTO write rule before the store acts. A
// transactional delete is a tombstone write and conflicts like one.
func (tm *TransactionManager) BeforeDelete(tid tso.Timestamp, keys []string) error {
	return tm.beforeWrite(tid, keys, true)
}

func (tm *TransactionManager) beforeWrite(tid tso.Timestamp, keys []string, isDelete bool) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}
	if st := txn.State(); !st.active() {
		return fmt.Errorf("%w: write in %s", ErrIllegalState, st)
	}

	for _, key := range sortedKeys(keys) {
		// Every written key must have been read first; the engine
		// rejects blind writes rather than issuing implicit reads.
		if _, ok := txn.readVersion(key); !ok {
			return fmt.Errorf("%w: transaction %d writes key %q without reading it", ErrIllegalState, tid, key)
		}
		if _, dup := txn.mutatedKey(key); dup {
			return fmt.Errorf("%w: transaction %d already mutated key %q", ErrIllegalState, tid, key)
		}

		kx := tm.keyIndexFor(key)
		kx.mu.Lock()
		if r := kx.conflictingReader(tid); r != nil {
			kx.mu.Unlock()
			tm.logger.Debug().
				Uint64("tid", uint64(tid)).
				Uint64("reader", uint64(r.id)).
				Str("key", key).
				Msg("write conflict")
			aerr := &AbortedError{TID: tid, Reason: AbortWriteConflict}
			if err := tm.abortTransaction(txn, aerr); err != nil {
				return err
			}
			// Hosts that apply the mutation before consulting the hook
			// have already materialized the version; remove it.
			if derr := tm.store.DeleteVersion(key, tid); derr != nil {
				tm.logger.Error().Err(derr).
					Uint64("tid", uint64(tid)).
					Str("key", key).
					Msg("conflicted version delete failed")
			}
			return aerr
		}
		kx.writers[tid] = txn

		var sid, err = tm.appendWrite(tid, key, isDelete)
		if err != nil {
			// The write is rejected but the transaction stays active
			// and may retry or abort.
			delete(kx.writers, tid)
			kx.mu.Unlock()
			return fmt.Errorf("write record append failed: %w", err)
		}
		kx.mu.Unlock()

		txn.addMutation(key, isDelete)
		tm.noteSID(txn, sid)
	}
	return nil
}

func (tm *TransactionManager) appendWrite(tid tso.Timestamp, key string, isDelete bool) (txlog.SID, error) {
	if isDelete {
		return tm.log.AppendDelete(tid, key)
	}
	return tm.log.AppendPut(tid, key)
}

// AfterPut confirms the version is visible in the store. The record is
// already durable from the before hook.
func (tm *TransactionManager) AfterPut(tid tso.Timestamp, keys []string) error {
	return nil
}

// AfterDelete confirms the tombstone is visible in the store.
func (tm *TransactionManager) AfterDelete(tid tso.Timestamp, keys []string) error {
	return nil
}

// FailedGet aborts the transaction: the engine cannot know which
// version would have been chosen, so the read cannot be retried.
func (tm *TransactionManager) FailedGet(tid tso.Timestamp, keys []string, cause error) {
	tm.failOp(tid, nil, cause)
}

// FailedPut unwinds the writer registration and aborts the transaction.
func (tm *TransactionManager) FailedPut(tid tso.Timestamp, keys []string, cause error) {
	tm.failOp(tid, keys, cause)
}

// FailedDelete unwinds the writer registration and aborts the
// transaction.
func (tm *TransactionManager) FailedDelete(tid tso.Timestamp, keys []string, cause error) {
	tm.failOp(tid, keys, cause)
}

func (tm *TransactionManager) failOp(tid tso.Timestamp, writtenKeys []string, cause error) {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	txn := tm.lookupQuiet(tid)
	if txn == nil {
		return
	}

	for _, key := range writtenKeys {
		kx := tm.keyIndexFor(key)
		kx.mu.Lock()
		delete(kx.writers, tid)
		kx.mu.Unlock()
		txn.dropMutation(key)
	}

	aerr := &AbortedError{TID: tid, Reason: AbortIo, Err: cause}
	if err := tm.abortTransaction(txn, aerr); err != nil {
		tm.logger.Error().Err(err).Uint64("tid", uint64(tid)).Msg("abort after store failure failed")
	}
}
