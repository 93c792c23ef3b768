package engine

import (
	"sort"

	"github.com/strategist922/troups/pkg/tso"
)

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	Running       bool   `json:"running"`
	Policy        string `json:"policy"`
	Transactions  int    `json:"transactions"`
	Active        int    `json:"active"`
	Blocked       int    `json:"blocked"`
	Prepared      int    `json:"prepared"`
	Finalized     int    `json:"finalized"`
	ActiveReaders int    `json:"active_readers"`
	Reclaimables  int    `json:"reclaimables"`
	Keys          int    `json:"keys"`
	MaxSID        uint64 `json:"max_sid"`
	TruncatedSID  uint64 `json:"truncated_sid"`
}

// TransactionInfo describes one directory entry.
type TransactionInfo struct {
	TID       tso.Timestamp `json:"tid"`
	State     string        `json:"state"`
	Reads     int           `json:"reads"`
	Mutations int           `json:"mutations"`
	ReadFrom  int           `json:"read_from"`
	ReadBy    int           `json:"read_by"`
}

// Stats returns a snapshot of the engine's directory and indices.
func (tm *TransactionManager) Stats() Stats {
	s := Stats{
		Running:      tm.Running(),
		Policy:       tm.policy.Name(),
		MaxSID:       tm.maxSID.Load(),
		TruncatedSID: tm.lastTruncated.Load(),
	}

	tm.mu.Lock()
	s.Transactions = len(tm.transactions)
	s.ActiveReaders = len(tm.activeReaders)
	s.Reclaimables = len(tm.reclaimables)
	txns := make([]*Transaction, 0, len(tm.transactions))
	for _, txn := range tm.transactions {
		txns = append(txns, txn)
	}
	tm.mu.Unlock()

	for _, txn := range txns {
		switch txn.State() {
		case StateStarted, StateJoined:
			s.Active++
		case StateBlocked:
			s.Blocked++
		case StatePrepared:
			s.Prepared++
		case StateFinalized:
			s.Finalized++
		}
	}

	tm.keys.Range(func(_, _ interface{}) bool {
		s.Keys++
		return true
	})
	return s
}

// Snapshot lists the live transaction directory in timestamp order.
func (tm *TransactionManager) Snapshot() []TransactionInfo {
	txns := tm.snapshotTransactions()
	sort.Slice(txns, func(i, j int) bool { return txns[i].id < txns[j].id })

	out := make([]TransactionInfo, 0, len(txns))
	for _, txn := range txns {
		txn.mu.Lock()
		out = append(out, TransactionInfo{
			TID:       txn.id,
			State:     txn.state.String(),
			Reads:     len(txn.reads),
			Mutations: len(txn.mutations),
			ReadFrom:  len(txn.readFrom),
			ReadBy:    len(txn.readBy),
		})
		txn.mu.Unlock()
	}
	return out
}
