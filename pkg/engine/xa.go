package engine

import (
	"fmt"

	"github.com/strategist922/troups/pkg/tso"
)

// The distributed-transaction surface of the engine. An XA engine's
// transactions attach to a shared timestamp issued once per distributed
// transaction by the shared oracle; the local slice is identified by
// the XID (shared TID, persistent child reference).

// Join attaches a new local transaction to the shared timestamp tid.
// Permitted only when no local transaction with that TID exists yet.
// If the coordinator releases tid before this participant prepares, the
// participant aborts unilaterally.
func (tm *TransactionManager) Join(tid tso.Timestamp) (XID, error) {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return XID{}, err
	}
	if !tm.policy.CanJoin() || tm.shared == nil {
		return XID{}, fmt.Errorf("%w: join is not supported by the %s policy", ErrIllegalState, tm.policy.Name())
	}
	if tm.lookupQuiet(tid) != nil {
		return XID{}, fmt.Errorf("%w: transaction %d already joined", ErrIllegalState, tid)
	}

	ref, err := tm.shared.AcquireReference(tid)
	if err != nil {
		return XID{}, fmt.Errorf("reference acquisition failed: %w", err)
	}

	txn := newTransaction(tid)
	txn.ref = ref

	sid, err := tm.log.AppendJoin(tid, uint64(ref))
	if err != nil {
		_ = tm.shared.ReleaseReference(tid, ref)
		return XID{}, fmt.Errorf("join record append failed: %w", err)
	}
	tm.noteSID(txn, sid)

	txn.mu.Lock()
	txn.state = StateJoined
	txn.mu.Unlock()
	tm.register(txn)

	if err := tm.shared.AddTimestampListener(tid, tm.onSharedReleased); err != nil {
		tm.logger.Warn().Err(err).Uint64("tid", uint64(tid)).Msg("timestamp listener subscription failed")
	}

	tm.recorder.TransactionBegun()
	tm.logger.Debug().
		Uint64("tid", uint64(tid)).
		Uint64("ref", uint64(ref)).
		Msg("transaction joined")
	return XID{TID: tid, Ref: ref}, nil
}

// Prepare votes commit for a joined participant. The read-from wait is
// identical to commit: a participant that cannot rule out a cascaded
// abort cannot vote commit. After PREPARED the participant honours only
// the coordinator's decision and no longer aborts unilaterally on a
// released timestamp.
func (tm *TransactionManager) Prepare(tid tso.Timestamp) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	if !tm.policy.CanPrepare() {
		return ErrPrepareUnsupported
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}

	txn.mu.Lock()
	if txn.state != StateJoined {
		st := txn.state
		txn.mu.Unlock()
		return fmt.Errorf("%w: prepare from %s", ErrIllegalState, st)
	}
	if err := tm.waitReadFromLocked(txn); err != nil {
		txn.mu.Unlock()
		aerr := err.(*AbortedError)
		if aberr := tm.abortTransaction(txn, aerr); aberr != nil {
			return aberr
		}
		return aerr
	}
	txn.mu.Unlock()

	sid, err := tm.log.AppendState(tid, uint8(StatePrepared))
	if err != nil {
		// The vote is not durable; the participant stays JOINED and the
		// coordinator will abort on the failed vote.
		return fmt.Errorf("prepare record append failed: %w", err)
	}
	tm.noteSID(txn, sid)

	txn.mu.Lock()
	txn.state = StatePrepared
	txn.mu.Unlock()
	tm.logger.Debug().Uint64("tid", uint64(tid)).Msg("transaction prepared")
	return nil
}

// onSharedReleased handles the shared oracle's released signal: a
// participant that has not yet durably voted aborts unilaterally. A
// prepared or decided participant ignores the signal; the coordinator's
// decision record overrides it.
func (tm *TransactionManager) onSharedReleased(ts tso.Timestamp) {
	txn := tm.lookupQuiet(ts)
	if txn == nil {
		return
	}
	if st := txn.State(); st == StatePrepared || st.resolved() {
		return
	}
	tm.logger.Warn().Uint64("tid", uint64(ts)).Msg("shared timestamp released before prepare; aborting participant")
	aerr := &AbortedError{TID: ts, Reason: AbortDeadline}
	if err := tm.abortTransaction(txn, aerr); err != nil {
		tm.logger.Error().Err(err).Uint64("tid", uint64(ts)).Msg("unilateral abort failed")
	}
}
