package txlog

import (
	"sync"

	"github.com/strategist922/troups/pkg/tso"
)

// MemoryLog is an in-memory Log. It keeps the full record sequence and
// supports truncation, which makes it suitable for tests and for
// embedding an engine whose durability is delegated elsewhere.
type MemoryLog struct {
	mu      sync.Mutex
	nextSID SID
	records []Record
	closed  bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) append(r Record) (SID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}
	l.nextSID++
	r.SID = l.nextSID
	l.records = append(l.records, r)
	return r.SID, nil
}

// AppendState appends a state-transition record.
func (l *MemoryLog) AppendState(tid tso.Timestamp, state uint8) (SID, error) {
	return l.append(Record{Type: RecordStateTransition, TID: tid, State: state})
}

// AppendGet appends a read record.
func (l *MemoryLog) AppendGet(tid tso.Timestamp, key string, version tso.Timestamp) (SID, error) {
	return l.append(Record{Type: RecordGet, TID: tid, Key: key, Version: version})
}

// AppendPut appends a tentative-write record.
func (l *MemoryLog) AppendPut(tid tso.Timestamp, key string) (SID, error) {
	return l.append(Record{Type: RecordPut, TID: tid, Key: key})
}

// AppendDelete appends a tentative-delete record.
func (l *MemoryLog) AppendDelete(tid tso.Timestamp, key string) (SID, error) {
	return l.append(Record{Type: RecordDelete, TID: tid, Key: key})
}

// AppendJoin appends a distributed-join record.
func (l *MemoryLog) AppendJoin(tid tso.Timestamp, ref uint64) (SID, error) {
	return l.append(Record{Type: RecordJoin, TID: tid, Ref: ref})
}

// Truncate discards all records with SID <= sid.
func (l *MemoryLog) Truncate(sid SID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := 0
	for cut < len(l.records) && l.records[cut].SID <= sid {
		cut++
	}
	l.records = append([]Record(nil), l.records[cut:]...)
	return nil
}

// Recover returns all live records, oldest first.
func (l *MemoryLog) Recover() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out, nil
}

// Close marks the log closed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	return nil
}

// Len returns the number of live records.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.records)
}
