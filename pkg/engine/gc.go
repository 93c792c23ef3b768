package engine

import (
	"sort"

	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// onReclaim handles the oracle's reclamation event: no live transaction
// has a timestamp <= bound. Finished transactions up to the bound are
// deleted, the log prefix they occupied is truncated and obsolete MVTO
// versions are freed from the store.
func (tm *TransactionManager) onReclaim(bound tso.Timestamp) {
	if tm.stopping.Load() {
		return
	}
	tm.logger.Debug().Uint64("bound", uint64(bound)).Msg("reclamation event")

	tm.drainActiveReaders()

	stale := tm.staleTransactions(bound)
	for _, txn := range stale {
		switch txn.State() {
		case StateCreated:
			tm.mu.Lock()
			delete(tm.transactions, txn.id)
			tm.mu.Unlock()
		case StateStarted, StateBlocked, StateJoined:
			tm.logger.Warn().
				Uint64("tid", uint64(txn.id)).
				Str("state", txn.State().String()).
				Msg("transaction outlived its timestamp; aborting")
			aerr := &AbortedError{TID: txn.id, Reason: AbortDeadline}
			if err := tm.abortTransaction(txn, aerr); err != nil {
				tm.logger.Error().Err(err).Uint64("tid", uint64(txn.id)).Msg("stale abort failed")
			}
		case StatePrepared:
			// The coordinator's decision record overrides reclamation.
			tm.logger.Warn().Uint64("tid", uint64(txn.id)).Msg("prepared transaction awaiting coordinator decision")
		case StateCommitted, StateAborted:
			tm.finalize(txn)
		}
	}

	tm.drainActiveReaders()

	tm.mu.Lock()
	reclaimed := 0
	for tid := range tm.reclaimables {
		if tid <= bound {
			delete(tm.reclaimables, tid)
			delete(tm.transactions, tid)
			reclaimed++
		}
	}

	// The log prefix below the oldest record any remaining transaction
	// still owns is contiguous garbage.
	truncate := txlog.SID(tm.maxSID.Load())
	for _, txn := range tm.transactions {
		txn.mu.Lock()
		first := txn.firstSID
		txn.mu.Unlock()
		if first > 0 && first-1 < truncate {
			truncate = first - 1
		}
	}
	tm.mu.Unlock()

	if truncate > 0 && uint64(truncate) > tm.lastTruncated.Load() {
		if err := tm.log.Truncate(truncate); err != nil {
			tm.logger.Error().Err(err).Uint64("sid", uint64(truncate)).Msg("log truncation failed")
		} else {
			tm.lastTruncated.Store(uint64(truncate))
			tm.recorder.LogTruncated()
		}
	}

	// Every version strictly below the greatest durable version at or
	// under the bound is shadowed for all live and future readers.
	type gcTarget struct {
		key  string
		upTo tso.Timestamp
	}
	var gcKeys []gcTarget
	tm.keys.Range(func(k, v interface{}) bool {
		kx := v.(*keyIndex)
		kx.mu.Lock()
		if upTo, ok := kx.reclaimBound(bound); ok {
			gcKeys = append(gcKeys, gcTarget{key: k.(string), upTo: upTo})
		}
		kx.mu.Unlock()
		return true
	})
	sort.Slice(gcKeys, func(i, j int) bool { return gcKeys[i].key < gcKeys[j].key })
	for _, t := range gcKeys {
		if err := tm.store.DeleteVersions(t.key, t.upTo); err != nil {
			tm.logger.Error().Err(err).Str("key", t.key).Msg("version reclamation failed")
		}
	}
	if len(gcKeys) > 0 {
		tm.recorder.VersionsReclaimed(len(gcKeys))
	}

	if reclaimed > 0 || len(gcKeys) > 0 {
		tm.logger.Debug().
			Int("transactions", reclaimed).
			Int("keys", len(gcKeys)).
			Uint64("bound", uint64(bound)).
			Msg("reclamation complete")
	}
}

// staleTransactions returns the directory entries with TID <= bound,
// in timestamp order.
func (tm *TransactionManager) staleTransactions(bound tso.Timestamp) []*Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var out []*Transaction
	for tid, txn := range tm.transactions {
		if tid <= bound {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
