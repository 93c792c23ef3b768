package xa

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/strategist922/troups/pkg/engine"
	"github.com/strategist922/troups/pkg/kv"
	"github.com/strategist922/troups/pkg/tso"
	"github.com/strategist922/troups/pkg/txlog"
)

func newParticipant(t *testing.T, oracle tso.SharedOracle) (*engine.TransactionManager, *kv.MemoryStore) {
	t.Helper()

	store := kv.NewMemoryStore()
	tm := engine.NewXATransactionManager(oracle, txlog.NewMemoryLog(), store, engine.Options{Logger: zerolog.Nop()})
	store.SetObserver(tm)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tm, store
}

func TestTwoPhaseCommit(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)
	p2, s2 := newParticipant(t, oracle)

	c := NewCoordinator(oracle, Options{Logger: zerolog.Nop()})
	tid, err := c.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := c.Enlist("g1", p1); err != nil {
		t.Fatalf("Enlist(g1) failed: %v", err)
	}
	if err := c.Enlist("g2", p2); err != nil {
		t.Fatalf("Enlist(g2) failed: %v", err)
	}

	if _, err := s1.TxGet(tid, "a"); err != nil {
		t.Fatalf("TxGet failed: %v", err)
	}
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}
	s2.TxGet(tid, "b")
	if err := s2.TxPut(tid, "b", []byte("vb")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}

	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if c.GetState() != StateCommitted {
		t.Errorf("Expected committed coordinator, got %s", c.GetState())
	}

	for i, s := range []*kv.MemoryStore{s1, s2} {
		key := []string{"a", "b"}[i]
		versions := s.Versions(key)
		if len(versions) != 1 || versions[0] != tid {
			t.Errorf("Expected %s versions [%d], got %v", key, tid, versions)
		}
	}
	if oracle.IsHeldByCaller(tid) {
		t.Error("Expected shared timestamp released")
	}
	if _, ok := oracle.PersistedReferences(tid); ok {
		t.Error("Expected decision record discarded after completion")
	}
}

// TestCoordinatorCrashAfterDecision: the original coordinator persists
// the decision and dies; a replacement re-drives the commit to every
// participant from the durable record.
func TestCoordinatorCrashAfterDecision(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)
	p2, s2 := newParticipant(t, oracle)

	tid, err := oracle.AcquireShared()
	if err != nil {
		t.Fatalf("AcquireShared failed: %v", err)
	}
	x1, err := p1.Join(tid)
	if err != nil {
		t.Fatalf("Join(p1) failed: %v", err)
	}
	x2, err := p2.Join(tid)
	if err != nil {
		t.Fatalf("Join(p2) failed: %v", err)
	}

	s1.TxGet(tid, "a")
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}
	s2.TxGet(tid, "b")
	if err := s2.TxPut(tid, "b", []byte("vb")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}

	if err := p1.Prepare(tid); err != nil {
		t.Fatalf("Prepare(p1) failed: %v", err)
	}
	if err := p2.Prepare(tid); err != nil {
		t.Fatalf("Prepare(p2) failed: %v", err)
	}

	// Point of no return, then the coordinator dies.
	if err := oracle.PersistReferences(tid, []tso.Reference{x1.Ref, x2.Ref}); err != nil {
		t.Fatalf("PersistReferences failed: %v", err)
	}

	replacement := ResumeCoordinator(oracle, tid, map[string]Participant{"g1": p1, "g2": p2}, Options{Logger: zerolog.Nop()})
	if err := replacement.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if versions := s1.Versions("a"); len(versions) != 1 {
		t.Errorf("Expected a committed at p1, got %v", versions)
	}
	if versions := s2.Versions("b"); len(versions) != 1 {
		t.Errorf("Expected b committed at p2, got %v", versions)
	}
	if oracle.IsHeldByCaller(tid) {
		t.Error("Expected shared timestamp released")
	}
}

// TestCoordinatorCrashBeforeDecision: without a decision record the
// replacement coordinator aborts every participant.
func TestCoordinatorCrashBeforeDecision(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)

	tid, _ := oracle.AcquireShared()
	if _, err := p1.Join(tid); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	s1.TxGet(tid, "a")
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}
	if err := p1.Prepare(tid); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	replacement := ResumeCoordinator(oracle, tid, map[string]Participant{"g1": p1}, Options{Logger: zerolog.Nop()})
	if err := replacement.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if versions := s1.Versions("a"); len(versions) != 0 {
		t.Errorf("Expected tentative version rolled back, got %v", versions)
	}
	if oracle.IsHeldByCaller(tid) {
		t.Error("Expected shared timestamp released")
	}
}

// TestTwoPhaseAbortOnVoteFailure: a participant whose local slice
// already aborted fails its vote; the coordinator aborts everywhere and
// all tentative versions disappear.
func TestTwoPhaseAbortOnVoteFailure(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)
	p2, s2 := newParticipant(t, oracle)

	c := NewCoordinator(oracle, Options{Logger: zerolog.Nop()})
	tid, _ := c.Begin()
	c.Enlist("g1", p1)
	c.Enlist("g2", p2)

	s1.TxGet(tid, "a")
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}

	// A younger local reader at p2 turns the participant's write into a
	// timestamp-order violation.
	s2.TxGet(tid, "b")
	local, err := p2.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	s2.TxGet(local, "b")

	werr := s2.TxPut(tid, "b", []byte("vb"))
	aerr, ok := engine.AsAborted(werr)
	if !ok || aerr.Reason != engine.AbortWriteConflict {
		t.Fatalf("Expected WriteConflict at p2, got %v", werr)
	}

	err = c.Commit(context.Background())
	if !errors.Is(err, ErrPrepareFailed) {
		t.Fatalf("Expected ErrPrepareFailed, got %v", err)
	}
	if c.GetState() != StateAborted {
		t.Errorf("Expected aborted coordinator, got %s", c.GetState())
	}

	if versions := s1.Versions("a"); len(versions) != 0 {
		t.Errorf("Expected p1 tentative version removed, got %v", versions)
	}
	if versions := s2.Versions("b"); len(versions) != 0 {
		t.Errorf("Expected p2 tentative version removed, got %v", versions)
	}
	if oracle.IsHeldByCaller(tid) {
		t.Error("Expected shared timestamp released")
	}

	_ = p2.Commit(local)
}

// TestSingleParticipantDegeneratesToOnePhase: one enlistment commits
// without a prepare round.
func TestSingleParticipantDegeneratesToOnePhase(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)

	c := NewCoordinator(oracle, Options{Logger: zerolog.Nop()})
	tid, _ := c.Begin()
	if err := c.Enlist("g1", p1); err != nil {
		t.Fatalf("Enlist failed: %v", err)
	}

	s1.TxGet(tid, "a")
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}

	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if versions := s1.Versions("a"); len(versions) != 1 || versions[0] != tid {
		t.Errorf("Expected committed version %d, got %v", tid, versions)
	}
}

// TestUnilateralAbortOnReleasedTimestamp: releasing the shared
// timestamp before a participant prepares aborts it unilaterally.
func TestUnilateralAbortOnReleasedTimestamp(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	p1, s1 := newParticipant(t, oracle)

	tid, _ := oracle.AcquireShared()
	if _, err := p1.Join(tid); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	s1.TxGet(tid, "a")
	if err := s1.TxPut(tid, "a", []byte("va")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}

	if err := oracle.ReleaseShared(tid); err != nil {
		t.Fatalf("ReleaseShared failed: %v", err)
	}

	if versions := s1.Versions("a"); len(versions) != 0 {
		t.Errorf("Expected tentative version rolled back, got %v", versions)
	}
}

func TestPrepareUnsupportedByBasePolicy(t *testing.T) {
	oracle := tso.NewLocalSharedOracle()
	store := kv.NewMemoryStore()
	tm := engine.NewTransactionManager(oracle, txlog.NewMemoryLog(), store, engine.Options{Logger: zerolog.Nop()})
	store.SetObserver(tm)
	if err := tm.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tid, _ := tm.Begin()
	if err := tm.Prepare(tid); !errors.Is(err, engine.ErrPrepareUnsupported) {
		t.Fatalf("Expected ErrPrepareUnsupported, got %v", err)
	}
	if _, err := tm.Join(tid + 1); !errors.Is(err, engine.ErrIllegalState) {
		t.Fatalf("Expected ErrIllegalState for join, got %v", err)
	}
}
