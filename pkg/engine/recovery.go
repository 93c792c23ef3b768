package engine

import (
	"fmt"
	"sort"

	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// recoverFromLog replays the surviving log records in SID order and
// re-drives the state machine until the in-memory state is
// indistinguishable from before the crash: transactions with a durable
// COMMITTED record finish committing, ABORTED transactions re-drive
// their rollback, and active transactions whose timestamp the oracle no
// longer holds are aborted.
func (tm *TransactionManager) recoverFromLog() error {
	records, err := tm.log.Recover()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	tm.logger.Info().Int("records", len(records)).Msg("replaying transaction log")

	for _, r := range records {
		if err := tm.replayRecord(r); err != nil {
			return err
		}
	}

	txns := tm.snapshotTransactions()
	sort.Slice(txns, func(i, j int) bool { return txns[i].id < txns[j].id })

	for _, txn := range txns {
		switch txn.State() {
		case StateCreated:
			return fmt.Errorf("transaction %d recovered in CREATED state", txn.id)

		case StateStarted, StateBlocked:
			if !tm.oracle.IsHeldByCaller(txn.id) {
				tm.logger.Warn().Uint64("tid", uint64(txn.id)).Msg("recovered transaction lost its timestamp; aborting")
				aerr := &AbortedError{TID: txn.id, Reason: AbortDeadline}
				if err := tm.abortTransaction(txn, aerr); err != nil {
					return err
				}
			}

		case StateJoined:
			if tm.shared == nil || !tm.shared.IsHeldByCaller(txn.id) {
				tm.logger.Warn().Uint64("tid", uint64(txn.id)).Msg("recovered participant lost its shared timestamp; aborting")
				aerr := &AbortedError{TID: txn.id, Reason: AbortDeadline}
				if err := tm.abortTransaction(txn, aerr); err != nil {
					return err
				}
				continue
			}
			if err := tm.shared.AddTimestampListener(txn.id, tm.onSharedReleased); err != nil {
				tm.logger.Warn().Err(err).Uint64("tid", uint64(txn.id)).Msg("timestamp listener resubscription failed")
			}

		case StatePrepared:
			// A durable decision record resolves the vote; otherwise the
			// participant keeps waiting for its coordinator.
			if tm.shared != nil {
				if _, decided := tm.shared.PersistedReferences(txn.id); decided {
					if err := tm.commitDecided(txn); err != nil {
						return err
					}
					continue
				}
				if err := tm.shared.AddTimestampListener(txn.id, tm.onSharedReleased); err != nil {
					tm.logger.Warn().Err(err).Uint64("tid", uint64(txn.id)).Msg("timestamp listener resubscription failed")
				}
			}

		case StateCommitted:
			tm.notifyDependents(txn, true)
			tm.finalize(txn)
			tm.releaseTimestamp(txn)

		case StateAborted:
			tm.rollback(txn)
			tm.notifyDependents(txn, false)
			tm.finalize(txn)
			tm.releaseTimestamp(txn)
		}
	}

	tm.drainActiveReaders()
	return nil
}

// replayRecord applies one log record to the in-memory state.
func (tm *TransactionManager) replayRecord(r txlog.Record) error {
	if uint64(r.SID) > tm.maxSID.Load() {
		tm.maxSID.Store(uint64(r.SID))
	}

	switch r.Type {
	case txlog.RecordStateTransition:
		return tm.replayTransition(r)

	case txlog.RecordJoin:
		txn := newTransaction(r.TID)
		txn.ref = tso.Reference(r.Ref)
		txn.state = StateJoined
		txn.firstSID = r.SID
		txn.lastSID = r.SID
		tm.register(txn)

	case txlog.RecordGet:
		txn := tm.lookupQuiet(r.TID)
		if txn == nil {
			// The transaction's earlier records fell below a truncation
			// boundary; it was reclaimed before the crash.
			return nil
		}
		txn.recordRead(r.Key, r.Version)
		txn.lastSID = r.SID
		kx := tm.keyIndexFor(r.Key)
		kx.mu.Lock()
		kx.addReader(r.Version, txn)
		kx.mu.Unlock()
		if writer := tm.lookupQuiet(r.Version); writer != nil && writer.id != txn.id {
			if resolved, committed := peekResolution(writer); !resolved || !committed {
				txn.addReadFrom(writer.id)
				if resolvedNow, committedNow := writer.addReadBy(txn.id); resolvedNow {
					txn.resolveDependency(writer.id, committedNow)
				}
			}
		}

	case txlog.RecordPut, txlog.RecordDelete:
		txn := tm.lookupQuiet(r.TID)
		if txn == nil {
			return nil
		}
		txn.addMutation(r.Key, r.Type == txlog.RecordDelete)
		txn.lastSID = r.SID
		kx := tm.keyIndexFor(r.Key)
		kx.mu.Lock()
		kx.writers[r.TID] = txn
		kx.mu.Unlock()

	default:
		return fmt.Errorf("%w: unknown record type %d", txlog.ErrCorruptRecord, r.Type)
	}
	return nil
}

func (tm *TransactionManager) replayTransition(r txlog.Record) error {
	state := State(r.State)
	switch state {
	case StateCreated:
		return fmt.Errorf("created-state transition in log for transaction %d", r.TID)

	case StateStarted:
		txn := newTransaction(r.TID)
		txn.state = StateStarted
		txn.firstSID = r.SID
		txn.lastSID = r.SID
		tm.register(txn)

	case StatePrepared, StateCommitted, StateAborted:
		txn := tm.lookupQuiet(r.TID)
		if txn == nil {
			return nil
		}
		txn.mu.Lock()
		txn.state = state
		txn.wasCommitted = state == StateCommitted
		txn.lastSID = r.SID
		txn.mu.Unlock()

	default:
		return fmt.Errorf("%w: transition to %s in log", txlog.ErrCorruptRecord, state)
	}
	return nil
}

// commitDecided finishes a commit whose decision is already durable on
// the coordinator side: used during recovery of prepared participants.
func (tm *TransactionManager) commitDecided(txn *Transaction) error {
	sid, err := tm.log.AppendState(txn.id, uint8(StateCommitted))
	if err != nil {
		return fmt.Errorf("commit record append failed: %w", err)
	}
	tm.noteSID(txn, sid)

	txn.mu.Lock()
	txn.state = StateCommitted
	txn.wasCommitted = true
	txn.cond.Broadcast()
	txn.mu.Unlock()

	tm.notifyDependents(txn, true)
	tm.finalize(txn)
	tm.releaseTimestamp(txn)
	return nil
}
