package kv

import (
	"errors"
	"testing"

	"github.com/strategist922/troups/pkg/tso"
)

func TestGetReturnsGreatestVersionAtOrBelow(t *testing.T) {
	s := NewMemoryStore()
	s.Put("k", 2, []byte("v2"))
	s.Put("k", 5, []byte("v5"))
	s.Put("k", 9, []byte("v9"))

	tests := []struct {
		upTo    tso.Timestamp
		version tso.Timestamp
		found   bool
	}{
		{1, 0, false},
		{2, 2, true},
		{4, 2, true},
		{5, 5, true},
		{100, 9, true},
	}
	for _, tt := range tests {
		version, _, ok, err := s.Get("k", tt.upTo)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok != tt.found || (ok && version != tt.version) {
			t.Errorf("Get(k, %d) = (%d, %v), want (%d, %v)", tt.upTo, version, ok, tt.version, tt.found)
		}
	}
}

func TestTombstoneVersion(t *testing.T) {
	s := NewMemoryStore()
	s.Put("k", 1, []byte("v1"))
	s.PutTombstone("k", 3)

	version, value, ok, _ := s.Get("k", 5)
	if !ok || version != 3 {
		t.Fatalf("Expected tombstone version 3, got (%d, %v)", version, ok)
	}
	if value != nil {
		t.Error("Expected nil value for tombstone")
	}

	// The older version is still visible below the tombstone
	version, value, ok, _ = s.Get("k", 2)
	if !ok || version != 1 || string(value) != "v1" {
		t.Errorf("Expected (1, v1), got (%d, %q, %v)", version, value, ok)
	}
}

func TestDeleteVersionIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.Put("k", 1, []byte("v1"))
	s.Put("k", 2, []byte("v2"))

	if err := s.DeleteVersion("k", 1); err != nil {
		t.Fatalf("DeleteVersion failed: %v", err)
	}
	if err := s.DeleteVersion("k", 1); err != nil {
		t.Fatalf("Second DeleteVersion failed: %v", err)
	}
	if err := s.DeleteVersion("missing", 1); err != nil {
		t.Fatalf("DeleteVersion on missing key failed: %v", err)
	}

	got := s.Versions("k")
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Expected versions [2], got %v", got)
	}
}

func TestDeleteVersionsOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	for _, ts := range []tso.Timestamp{1, 3, 5, 7} {
		s.Put("k", ts, []byte("v"))
	}

	if err := s.DeleteVersions("k", 5); err != nil {
		t.Fatalf("DeleteVersions failed: %v", err)
	}
	got := s.Versions("k")
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("Expected versions [7], got %v", got)
	}
	// Idempotent
	if err := s.DeleteVersions("k", 5); err != nil {
		t.Fatalf("Second DeleteVersions failed: %v", err)
	}
}

// recordingObserver captures hook invocations for wiring tests.
type recordingObserver struct {
	gets    []KeyVersion
	puts    []string
	deletes []string
	vetoPut error
}

func (o *recordingObserver) BeforeGet(tid tso.Timestamp, keys []string) error { return nil }
func (o *recordingObserver) AfterGet(tid tso.Timestamp, results []KeyVersion) error {
	o.gets = append(o.gets, results...)
	return nil
}
func (o *recordingObserver) FailedGet(tid tso.Timestamp, keys []string, cause error) {}

func (o *recordingObserver) BeforePut(tid tso.Timestamp, keys []string) error { return o.vetoPut }
func (o *recordingObserver) AfterPut(tid tso.Timestamp, keys []string) error {
	o.puts = append(o.puts, keys...)
	return nil
}
func (o *recordingObserver) FailedPut(tid tso.Timestamp, keys []string, cause error) {}

func (o *recordingObserver) BeforeDelete(tid tso.Timestamp, keys []string) error { return nil }
func (o *recordingObserver) AfterDelete(tid tso.Timestamp, keys []string) error {
	o.deletes = append(o.deletes, keys...)
	return nil
}
func (o *recordingObserver) FailedDelete(tid tso.Timestamp, keys []string, cause error) {}

func TestTxOperationsDriveObserver(t *testing.T) {
	s := NewMemoryStore()
	obs := &recordingObserver{}
	s.SetObserver(obs)

	s.Put("k", 1, []byte("v1"))

	values, err := s.TxGet(5, "k", "missing")
	if err != nil {
		t.Fatalf("TxGet failed: %v", err)
	}
	if string(values["k"]) != "v1" {
		t.Errorf("Expected v1, got %q", values["k"])
	}
	if len(obs.gets) != 2 {
		t.Fatalf("Expected 2 observed reads, got %d", len(obs.gets))
	}
	// The served version is reported; a missing key reads as the
	// implicit baseline version 0.
	if obs.gets[0].Version != 1 || obs.gets[1].Version != 0 {
		t.Errorf("Unexpected observed versions: %+v", obs.gets)
	}

	if err := s.TxPut(5, "k", []byte("v5")); err != nil {
		t.Fatalf("TxPut failed: %v", err)
	}
	if len(obs.puts) != 1 || obs.puts[0] != "k" {
		t.Errorf("Expected observed put of k, got %v", obs.puts)
	}
	version, _, _, _ := s.Get("k", 10)
	if version != 5 {
		t.Errorf("Expected version 5 written, got %d", version)
	}

	if err := s.TxDelete(6, "k"); err != nil {
		t.Fatalf("TxDelete failed: %v", err)
	}
	if len(obs.deletes) != 1 {
		t.Errorf("Expected observed delete, got %v", obs.deletes)
	}
}

func TestBeforeHookVetoesStoreAction(t *testing.T) {
	s := NewMemoryStore()
	veto := errors.New("rejected")
	s.SetObserver(&recordingObserver{vetoPut: veto})

	if err := s.TxPut(5, "k", []byte("v")); !errors.Is(err, veto) {
		t.Fatalf("Expected veto error, got %v", err)
	}
	if versions := s.Versions("k"); len(versions) != 0 {
		t.Errorf("Expected no version written after veto, got %v", versions)
	}
}

func TestLifecycleBroadcast(t *testing.T) {
	s := NewMemoryStore()
	var states []LifecycleState
	s.AddLifecycleListener(func(state LifecycleState) {
		states = append(states, state)
	})

	s.Start()
	s.Stop()

	want := []LifecycleState{LifecycleStarting, LifecycleStarted, LifecycleStopping, LifecycleStopped}
	if len(states) != len(want) {
		t.Fatalf("Expected %d lifecycle events, got %v", len(want), states)
	}
	for i, st := range want {
		if states[i] != st {
			t.Errorf("Event %d: expected %s, got %s", i, st, states[i])
		}
	}

	if _, err := s.TxGet(1, "k"); !errors.Is(err, ErrStoreStopped) {
		t.Errorf("Expected ErrStoreStopped after stop, got %v", err)
	}
}
