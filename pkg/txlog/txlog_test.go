package txlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	records := []Record{
		{Type: RecordStateTransition, SID: 1, TID: 7, State: 5},
		{Type: RecordGet, SID: 2, TID: 7, Key: "row/1", Version: 3},
		{Type: RecordPut, SID: 3, TID: 7, Key: "row/1"},
		{Type: RecordDelete, SID: 4, TID: 8, Key: ""},
		{Type: RecordJoin, SID: 5, TID: 9, Ref: 42},
	}
	for _, want := range records {
		got, err := DecodeRecord(want.Encode())
		if err != nil {
			t.Fatalf("DecodeRecord failed for %v: %v", want.Type, err)
		}
		if got != want {
			t.Errorf("Round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeCorruptRecord(t *testing.T) {
	if _, err := DecodeRecord([]byte{1, 2, 3}); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Expected ErrCorruptRecord, got %v", err)
	}
	bad := Record{Type: RecordGet, TID: 1, Key: "k", Version: 2}.Encode()
	if _, err := DecodeRecord(bad[:len(bad)-4]); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Expected ErrCorruptRecord for truncated body, got %v", err)
	}
}

func TestMemoryLogAppendAssignsSIDs(t *testing.T) {
	l := NewMemoryLog()

	s1, err := l.AppendState(1, 1)
	if err != nil {
		t.Fatalf("AppendState failed: %v", err)
	}
	s2, _ := l.AppendGet(1, "k", 0)
	s3, _ := l.AppendPut(1, "k")
	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("Expected increasing SIDs, got %d %d %d", s1, s2, s3)
	}

	records, err := l.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].SID != s1 || records[2].SID != s3 {
		t.Error("Expected recovery in SID order")
	}
}

func TestMemoryLogTruncate(t *testing.T) {
	l := NewMemoryLog()
	l.AppendState(1, 1)
	sid, _ := l.AppendPut(1, "k")
	l.AppendState(1, 5)

	if err := l.Truncate(sid); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	records, _ := l.Recover()
	if len(records) != 1 {
		t.Fatalf("Expected 1 record after truncate, got %d", len(records))
	}
	if records[0].SID <= sid {
		t.Errorf("Expected only records above SID %d, got %d", sid, records[0].SID)
	}
}

func TestMemoryLogClosed(t *testing.T) {
	l := NewMemoryLog()
	l.Close()
	if _, err := l.AppendState(1, 1); !errors.Is(err, ErrLogClosed) {
		t.Fatalf("Expected ErrLogClosed, got %v", err)
	}
}

func TestBoltLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.db")
	l, err := OpenBoltLog(path, "group-a", BoltLogOptions{})
	if err != nil {
		t.Fatalf("OpenBoltLog failed: %v", err)
	}

	s1, err := l.AppendState(1, 1)
	if err != nil {
		t.Fatalf("AppendState failed: %v", err)
	}
	s2, _ := l.AppendGet(1, "k", 0)
	s3, _ := l.AppendJoin(2, 7)
	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("Expected increasing SIDs, got %d %d %d", s1, s2, s3)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Records survive reopen
	l2, err := OpenBoltLog(path, "group-a", BoltLogOptions{})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer l2.Close()

	records, err := l2.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[1].Key != "k" || records[2].Ref != 7 {
		t.Errorf("Unexpected recovered records: %+v", records)
	}

	// SIDs continue after reopen
	s4, _ := l2.AppendPut(2, "k")
	if s4 <= s3 {
		t.Errorf("Expected SID above %d after reopen, got %d", s3, s4)
	}
}

func TestBoltLogGroupPartitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.db")
	la, err := OpenBoltLog(path, "group-a", BoltLogOptions{})
	if err != nil {
		t.Fatalf("OpenBoltLog failed: %v", err)
	}
	defer la.Close()

	lb, err := NewBoltLog(la.db, "group-b", BoltLogOptions{})
	if err != nil {
		t.Fatalf("NewBoltLog failed: %v", err)
	}

	la.AppendState(1, 1)
	lb.AppendState(2, 1)
	lb.AppendPut(2, "k")

	ra, _ := la.Recover()
	rb, _ := lb.Recover()
	if len(ra) != 1 || len(rb) != 2 {
		t.Fatalf("Expected partitioned logs 1/2, got %d/%d", len(ra), len(rb))
	}
}

func TestBoltLogTruncateArchives(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	l, err := OpenBoltLog(filepath.Join(dir, "txlog.db"), "g", BoltLogOptions{ArchiveDir: archive})
	if err != nil {
		t.Fatalf("OpenBoltLog failed: %v", err)
	}
	defer l.Close()

	l.AppendState(1, 1)
	sid, _ := l.AppendPut(1, "k")
	l.AppendState(1, 5)

	if err := l.Truncate(sid); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	records, _ := l.Recover()
	if len(records) != 1 {
		t.Fatalf("Expected 1 live record, got %d", len(records))
	}

	segments, err := os.ReadDir(archive)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("Expected 1 archive segment, got %d", len(segments))
	}

	// Truncating again below the same SID is a no-op
	if err := l.Truncate(sid); err != nil {
		t.Fatalf("Second truncate failed: %v", err)
	}
	segments, _ = os.ReadDir(archive)
	if len(segments) != 1 {
		t.Errorf("Expected no new segment on empty truncate, got %d", len(segments))
	}
}
