package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/strategist922/troups/pkg/kv"
	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

// TransactionManager is the directory of live transactions and the
// owner of the per-key conflict indices. It is the entry point for
// begin/commit/abort and receives the store's operation hooks as a
// kv.TransactionObserver.
type TransactionManager struct {
	logger   zerolog.Logger
	oracle   tso.Oracle
	shared   tso.SharedOracle // non-nil when the XA policy is active
	log      txlog.Log
	store    kv.Store
	policy   Policy
	recorder Recorder

	// runMu gates every entry point in read mode; startup and shutdown
	// take it in write mode.
	runMu      sync.RWMutex
	running    bool
	stopping   atomic.Bool
	subscribed bool

	mu            sync.Mutex // directory, FIFO and reclaimables
	transactions  map[tso.Timestamp]*Transaction
	activeReaders []*Transaction
	reclaimables  map[tso.Timestamp]*Transaction

	keys sync.Map // key -> *keyIndex, lazily created

	maxSID        atomic.Uint64
	lastTruncated atomic.Uint64
}

// Options carries the optional collaborators of a TransactionManager.
type Options struct {
	Logger   zerolog.Logger
	Recorder Recorder
}

// NewTransactionManager creates a single-group engine with the base
// policy.
func NewTransactionManager(oracle tso.Oracle, log txlog.Log, store kv.Store, opts Options) *TransactionManager {
	return newManager(oracle, nil, log, store, BasePolicy{}, opts)
}

// NewXATransactionManager creates an engine that can participate in
// distributed transactions coordinated through the shared oracle.
func NewXATransactionManager(oracle tso.SharedOracle, log txlog.Log, store kv.Store, opts Options) *TransactionManager {
	return newManager(oracle, oracle, log, store, XAPolicy{}, opts)
}

func newManager(oracle tso.Oracle, shared tso.SharedOracle, log txlog.Log, store kv.Store, policy Policy, opts Options) *TransactionManager {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &TransactionManager{
		logger:       opts.Logger.With().Str("component", "engine").Str("policy", policy.Name()).Logger(),
		oracle:       oracle,
		shared:       shared,
		log:          log,
		store:        store,
		policy:       policy,
		recorder:     recorder,
		transactions: make(map[tso.Timestamp]*Transaction),
		reclaimables: make(map[tso.Timestamp]*Transaction),
	}
}

// Start reconciles the log and opens the engine for transactions.
func (tm *TransactionManager) Start() error {
	tm.runMu.Lock()
	defer tm.runMu.Unlock()

	if tm.running {
		return nil
	}
	if err := tm.recoverFromLog(); err != nil {
		return fmt.Errorf("log reconciliation failed: %w", err)
	}
	tm.running = true
	tm.stopping.Store(false)
	if !tm.subscribed {
		tm.oracle.AddReclamationListener(tm.onReclaim)
		tm.subscribed = true
	}
	tm.logger.Info().Msg("engine started")
	return nil
}

// Stop shuts the engine down. Blocked transactions are woken before the
// stop lock is taken so shutdown cannot deadlock against a waiter; a
// waiter that wakes during shutdown is aborted with AbortEngineStopped.
func (tm *TransactionManager) Stop() {
	if !tm.stopping.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < 3; i++ {
		for _, txn := range tm.snapshotTransactions() {
			txn.unblock()
		}
		runtime.Gosched()
	}

	tm.runMu.Lock()
	tm.running = false
	tm.runMu.Unlock()
	tm.logger.Info().Msg("engine stopped")
}

// Running reports whether the engine accepts operations.
func (tm *TransactionManager) Running() bool {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	return tm.running && !tm.stopping.Load()
}

// LifecycleListener adapts the engine to the host store's lifecycle
// channel: the engine starts with the host and stops with it.
func (tm *TransactionManager) LifecycleListener() kv.LifecycleListener {
	return func(state kv.LifecycleState) {
		switch state {
		case kv.LifecycleStarting:
			if err := tm.Start(); err != nil {
				tm.logger.Error().Err(err).Msg("engine start failed")
			}
		case kv.LifecycleStopping, kv.LifecycleAborting:
			tm.Stop()
		}
	}
}

// gate validates that the engine accepts operations. Caller holds
// runMu in read mode.
func (tm *TransactionManager) gate() error {
	if !tm.running || tm.stopping.Load() {
		return ErrEngineStopped
	}
	return nil
}

// lookup finds a live transaction by TID.
func (tm *TransactionManager) lookup(tid tso.Timestamp) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn, ok := tm.transactions[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTransaction, tid)
	}
	return txn, nil
}

// lookupQuiet finds a transaction by TID without erroring.
func (tm *TransactionManager) lookupQuiet(tid tso.Timestamp) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.transactions[tid]
}

func (tm *TransactionManager) snapshotTransactions() []*Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]*Transaction, 0, len(tm.transactions))
	for _, txn := range tm.transactions {
		out = append(out, txn)
	}
	return out
}

// keyIndexFor returns the conflict index of key, creating it lazily.
func (tm *TransactionManager) keyIndexFor(key string) *keyIndex {
	if v, ok := tm.keys.Load(key); ok {
		return v.(*keyIndex)
	}
	v, _ := tm.keys.LoadOrStore(key, newKeyIndex())
	return v.(*keyIndex)
}

// register adds a transaction to the directory and the active-reader
// FIFO.
func (tm *TransactionManager) register(txn *Transaction) {
	tm.mu.Lock()
	tm.transactions[txn.id] = txn
	tm.activeReaders = append(tm.activeReaders, txn)
	tm.mu.Unlock()
	tm.recorder.TransactionActive(1)
}

func (tm *TransactionManager) noteSID(txn *Transaction, sid txlog.SID) {
	txn.mu.Lock()
	if txn.firstSID == 0 {
		txn.firstSID = sid
	}
	txn.lastSID = sid
	txn.mu.Unlock()

	for {
		cur := tm.maxSID.Load()
		if uint64(sid) <= cur || tm.maxSID.CompareAndSwap(cur, uint64(sid)) {
			return
		}
	}
}

// Begin starts a transaction and returns its TID.
func (tm *TransactionManager) Begin() (tso.Timestamp, error) {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return 0, err
	}

	tid, err := tm.oracle.Acquire()
	if err != nil {
		return 0, fmt.Errorf("timestamp acquisition failed: %w", err)
	}

	txn := newTransaction(tid)
	sid, err := tm.log.AppendState(tid, uint8(StateStarted))
	if err != nil {
		_ = tm.oracle.Release(tid)
		return 0, fmt.Errorf("begin record append failed: %w", err)
	}
	tm.noteSID(txn, sid)

	txn.mu.Lock()
	txn.state = StateStarted
	txn.mu.Unlock()

	tm.register(txn)
	tm.recorder.TransactionBegun()
	tm.logger.Debug().Uint64("tid", uint64(tid)).Msg("transaction started")
	return tid, nil
}

// Commit drives a transaction to COMMITTED. It blocks until every
// read-from dependency commits; if any dependency aborts, the
// transaction is cascade-aborted and the AbortedError is returned.
func (tm *TransactionManager) Commit(tid tso.Timestamp) error {
	return tm.commit(tid, false)
}

// CommitOnePhase commits a joined participant without a prepare round,
// the single-participant degeneration of two-phase commit.
func (tm *TransactionManager) CommitOnePhase(tid tso.Timestamp) error {
	return tm.commit(tid, true)
}

func (tm *TransactionManager) commit(tid tso.Timestamp, onePhase bool) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}

	txn.mu.Lock()
	if !tm.policy.CommitAllowed(txn.state, onePhase) {
		st := txn.state
		txn.mu.Unlock()
		return fmt.Errorf("%w: commit from %s", ErrIllegalState, st)
	}

	start := time.Now()
	if err := tm.waitReadFromLocked(txn); err != nil {
		txn.mu.Unlock()
		aerr := err.(*AbortedError)
		if aberr := tm.abortTransaction(txn, aerr); aberr != nil {
			return aberr
		}
		return aerr
	}
	txn.mu.Unlock()

	sid, err := tm.log.AppendState(tid, uint8(StateCommitted))
	if err != nil {
		// The outcome is undefined to the caller; the log record's
		// presence or absence resolves it on the next recovery pass.
		return fmt.Errorf("commit record append failed: %w", err)
	}
	tm.noteSID(txn, sid)

	txn.mu.Lock()
	txn.state = StateCommitted
	txn.wasCommitted = true
	txn.cond.Broadcast()
	txn.mu.Unlock()

	tm.recorder.TransactionCommitted(time.Since(start))
	tm.logger.Debug().Uint64("tid", uint64(tid)).Msg("transaction committed")

	tm.notifyDependents(txn, true)
	tm.finalize(txn)
	tm.releaseTimestamp(txn)
	return nil
}

// waitReadFromLocked sleeps on the transaction monitor until every
// read-from dependency commits. Caller holds txn.mu. Returns an
// *AbortedError when the wait must end in an abort.
func (tm *TransactionManager) waitReadFromLocked(txn *Transaction) error {
	for len(txn.readFrom) > 0 && !txn.cascade && !tm.stopping.Load() {
		txn.cond.Wait()
	}
	if txn.cascade {
		return &AbortedError{TID: txn.id, Reason: AbortCascaded}
	}
	if len(txn.readFrom) > 0 {
		return &AbortedError{TID: txn.id, Reason: AbortEngineStopped}
	}
	return nil
}

// Abort rolls a transaction back on behalf of the caller.
func (tm *TransactionManager) Abort(tid tso.Timestamp) error {
	tm.runMu.RLock()
	defer tm.runMu.RUnlock()
	if err := tm.gate(); err != nil {
		return err
	}
	txn, err := tm.lookup(tid)
	if err != nil {
		return err
	}
	st := txn.State()
	if st == StateAborted || (st == StateFinalized && !txn.Committed()) {
		return nil // already aborted
	}
	if !tm.policy.AbortAllowed(st) {
		return fmt.Errorf("%w: abort from %s", ErrIllegalState, st)
	}
	return tm.abortTransaction(txn, &AbortedError{TID: tid, Reason: AbortRequested})
}

// abortTransaction drives a transaction to ABORTED and FINALIZED:
// durable abort record, rollback of tentative versions, cascade
// notification, index cleanup, timestamp release. Aborting an already
// aborted transaction is a no-op.
func (tm *TransactionManager) abortTransaction(txn *Transaction, aerr *AbortedError) error {
	txn.mu.Lock()
	if txn.state == StateAborted || (txn.state == StateFinalized && !txn.wasCommitted) {
		txn.mu.Unlock()
		return nil
	}
	if txn.state.resolved() {
		st := txn.state
		txn.mu.Unlock()
		return fmt.Errorf("%w: abort from %s", ErrIllegalState, st)
	}

	sid, err := tm.log.AppendState(txn.id, uint8(StateAborted))
	if err != nil {
		txn.mu.Unlock()
		return fmt.Errorf("abort record append failed: %w", err)
	}
	txn.state = StateAborted
	txn.abortErr = aerr
	txn.cond.Broadcast()
	txn.mu.Unlock()
	tm.noteSID(txn, sid)

	tm.recorder.TransactionAborted(aerr.Reason.String())
	tm.logger.Debug().
		Uint64("tid", uint64(txn.id)).
		Str("reason", aerr.Reason.String()).
		Msg("transaction aborted")

	tm.rollback(txn)
	tm.notifyDependents(txn, false)
	tm.finalize(txn)
	tm.releaseTimestamp(txn)
	return nil
}

// rollback deletes the tentative versions an aborted transaction wrote,
// in mutation order. Failures are left to the recovery pass, which
// re-drives the rollback from the durable ABORTED record.
func (tm *TransactionManager) rollback(txn *Transaction) {
	for _, m := range txn.snapshotMutations() {
		if err := tm.store.DeleteVersion(m.Key, txn.id); err != nil {
			tm.logger.Error().Err(err).
				Uint64("tid", uint64(txn.id)).
				Str("key", m.Key).
				Msg("rollback delete failed; deferred to recovery")
		}
	}
}

// notifyDependents resolves this transaction's outcome at every
// dependent reader.
func (tm *TransactionManager) notifyDependents(txn *Transaction, committed bool) {
	for _, rid := range txn.snapshotReadBy() {
		if r := tm.lookupQuiet(rid); r != nil {
			r.resolveDependency(txn.id, committed)
		}
	}
}

// finalize moves a decided transaction to FINALIZED: its writer
// registrations are dropped, committed write versions are recorded for
// garbage collection and forbidden-band waiters are woken. Idempotent
// so recovery can redo it.
func (tm *TransactionManager) finalize(txn *Transaction) {
	txn.mu.Lock()
	if !txn.state.resolved() {
		txn.mu.Unlock()
		return
	}
	committed := txn.wasCommitted
	first := txn.state != StateFinalized
	txn.state = StateFinalized
	txn.cond.Broadcast()
	txn.mu.Unlock()

	if first {
		tm.recorder.TransactionActive(-1)
	}

	seen := make(map[string]struct{})
	for _, m := range txn.snapshotMutations() {
		if _, ok := seen[m.Key]; ok {
			continue
		}
		seen[m.Key] = struct{}{}
		kx := tm.keyIndexFor(m.Key)
		kx.mu.Lock()
		delete(kx.writers, txn.id)
		if committed {
			kx.recordKnown(txn.id)
		}
		kx.mu.Unlock()
	}

	tm.drainActiveReaders()
}

// drainActiveReaders moves finalized transactions from the head of the
// active-reader FIFO into the reclaimable set and expunges their read
// registrations. Read-set cleanup is tied to the FIFO so that no older
// live transaction loses the registrations it needs for conflict
// detection.
func (tm *TransactionManager) drainActiveReaders() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for len(tm.activeReaders) > 0 {
		head := tm.activeReaders[0]
		if head.State() != StateFinalized {
			break
		}
		tm.activeReaders = tm.activeReaders[1:]
		tm.reclaimables[head.id] = head
		for key, version := range head.snapshotReads() {
			tm.keyIndexFor(key).removeReader(version, head.id)
		}
	}
}

// releaseTimestamp returns the transaction's timestamp to the oracle:
// the persistent child reference for joined participants, the plain
// timestamp otherwise. Unknown-timestamp errors are swallowed.
func (tm *TransactionManager) releaseTimestamp(txn *Transaction) {
	if txn.ref != 0 && tm.shared != nil {
		if err := tm.shared.ReleaseReference(txn.id, txn.ref); err != nil && !errors.Is(err, tso.ErrNoSuchTimestamp) {
			tm.logger.Warn().Err(err).Uint64("tid", uint64(txn.id)).Msg("reference release failed")
		}
		return
	}
	if err := tm.oracle.Release(txn.id); err != nil && !errors.Is(err, tso.ErrNoSuchTimestamp) {
		tm.logger.Warn().Err(err).Uint64("tid", uint64(txn.id)).Msg("timestamp release failed")
	}
}
