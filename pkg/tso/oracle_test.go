package tso

import (
	"path/filepath"
	"testing"
)

func TestAcquireMonotonic(t *testing.T) {
	o := NewLocalOracle()

	var last Timestamp
	for i := 0; i < 100; i++ {
		ts, err := o.Acquire()
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if ts <= last {
			t.Fatalf("Expected monotonic timestamps, got %d after %d", ts, last)
		}
		last = ts
	}
	if o.Held() != 100 {
		t.Errorf("Expected 100 held timestamps, got %d", o.Held())
	}
}

func TestReleaseIdempotent(t *testing.T) {
	o := NewLocalOracle()

	ts, _ := o.Acquire()
	if !o.IsHeldByCaller(ts) {
		t.Fatal("Expected timestamp to be held")
	}
	if err := o.Release(ts); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if o.IsHeldByCaller(ts) {
		t.Fatal("Expected timestamp to be released")
	}
	// Second release is a no-op
	if err := o.Release(ts); err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	// Releasing an unknown timestamp is a no-op
	if err := o.Release(9999); err != nil {
		t.Fatalf("Unknown release failed: %v", err)
	}
}

func TestReclamationBound(t *testing.T) {
	o := NewLocalOracle()

	var bounds []Timestamp
	o.AddReclamationListener(func(ts Timestamp) {
		bounds = append(bounds, ts)
	})

	t1, _ := o.Acquire() // 1
	t2, _ := o.Acquire() // 2
	t3, _ := o.Acquire() // 3

	// Releasing the newest does not advance the frontier
	o.Release(t3)
	if len(bounds) != 0 {
		t.Fatalf("Expected no event, got %v", bounds)
	}

	// Releasing the oldest advances past it
	o.Release(t1)
	if len(bounds) != 1 || bounds[0] != t2-1 {
		t.Fatalf("Expected bound %d, got %v", t2-1, bounds)
	}

	// Releasing the last live timestamp fires no event: there is no
	// live frontier left to announce.
	o.Release(t2)
	if len(bounds) != 1 {
		t.Fatalf("Expected no event with no live timestamps, got %v", bounds)
	}
}

func TestClosedOracle(t *testing.T) {
	o := NewLocalOracle()
	ts, _ := o.Acquire()
	o.Close()

	if _, err := o.Acquire(); err != ErrOracleClosed {
		t.Fatalf("Expected ErrOracleClosed, got %v", err)
	}
	// Held timestamps stay interrogable for recovery
	if !o.IsHeldByCaller(ts) {
		t.Error("Expected held timestamp to survive close")
	}
}

func TestSharedReferences(t *testing.T) {
	o := NewLocalSharedOracle()

	ts, err := o.AcquireShared()
	if err != nil {
		t.Fatalf("AcquireShared failed: %v", err)
	}

	r1, err := o.AcquireReference(ts)
	if err != nil {
		t.Fatalf("AcquireReference failed: %v", err)
	}
	r2, err := o.AcquireReference(ts)
	if err != nil {
		t.Fatalf("AcquireReference failed: %v", err)
	}
	if r1 == r2 {
		t.Fatal("Expected distinct references")
	}
	if got := len(o.References(ts)); got != 2 {
		t.Fatalf("Expected 2 references, got %d", got)
	}

	if err := o.ReleaseReference(ts, r1); err != nil {
		t.Fatalf("ReleaseReference failed: %v", err)
	}
	if got := len(o.References(ts)); got != 1 {
		t.Fatalf("Expected 1 reference, got %d", got)
	}

	// Unknown timestamp rejects references
	if _, err := o.AcquireReference(9999); err != ErrNoSuchTimestamp {
		t.Fatalf("Expected ErrNoSuchTimestamp, got %v", err)
	}
}

func TestPersistReferences(t *testing.T) {
	o := NewLocalSharedOracle()
	ts, _ := o.AcquireShared()
	r1, _ := o.AcquireReference(ts)
	r2, _ := o.AcquireReference(ts)

	if _, ok := o.PersistedReferences(ts); ok {
		t.Fatal("Expected no decision record before persist")
	}
	if err := o.PersistReferences(ts, []Reference{r1, r2}); err != nil {
		t.Fatalf("PersistReferences failed: %v", err)
	}
	refs, ok := o.PersistedReferences(ts)
	if !ok || len(refs) != 2 {
		t.Fatalf("Expected persisted decision with 2 refs, got %v ok=%v", refs, ok)
	}
	if err := o.PersistReferences(ts, []Reference{r1}); err != ErrAlreadyPersisted {
		t.Fatalf("Expected ErrAlreadyPersisted, got %v", err)
	}
}

func TestTimestampListenerFiresOnRelease(t *testing.T) {
	o := NewLocalSharedOracle()
	ts, _ := o.AcquireShared()

	var fired []Timestamp
	if err := o.AddTimestampListener(ts, func(released Timestamp) {
		fired = append(fired, released)
	}); err != nil {
		t.Fatalf("AddTimestampListener failed: %v", err)
	}

	if err := o.ReleaseShared(ts); err != nil {
		t.Fatalf("ReleaseShared failed: %v", err)
	}
	if len(fired) != 1 || fired[0] != ts {
		t.Fatalf("Expected listener fired with %d, got %v", ts, fired)
	}
	if o.IsHeldByCaller(ts) {
		t.Error("Expected shared timestamp released")
	}
}

func TestBoltSharedOracleRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.db")

	o, err := OpenBoltSharedOracle(path)
	if err != nil {
		t.Fatalf("OpenBoltSharedOracle failed: %v", err)
	}
	ts, _ := o.AcquireShared()
	r1, err := o.AcquireReference(ts)
	if err != nil {
		t.Fatalf("AcquireReference failed: %v", err)
	}
	r2, _ := o.AcquireReference(ts)
	if err := o.PersistReferences(ts, []Reference{r1, r2}); err != nil {
		t.Fatalf("PersistReferences failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The decision record and references survive the restart
	reopened, err := OpenBoltSharedOracle(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if !reopened.IsHeldByCaller(ts) {
		t.Fatal("Expected restored timestamp to be held")
	}
	refs, ok := reopened.PersistedReferences(ts)
	if !ok || len(refs) != 2 {
		t.Fatalf("Expected restored decision with 2 refs, got %v ok=%v", refs, ok)
	}
	if got := len(reopened.References(ts)); got != 2 {
		t.Fatalf("Expected 2 restored references, got %d", got)
	}

	// ReleaseShared discards everything durably
	if err := reopened.ReleaseShared(ts); err != nil {
		t.Fatalf("ReleaseShared failed: %v", err)
	}
	if _, ok := reopened.PersistedReferences(ts); ok {
		t.Error("Expected decision record discarded")
	}
}
