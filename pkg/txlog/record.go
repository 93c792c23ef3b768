package txlog

import (
	"encoding/binary"

	"github.com/strategist922/troups/pkg/tso"
)

// SID is a log sequence identifier. SIDs totally order durable records
// and respect the program order of each transaction's operations.
type SID uint64

// RecordType identifies the kind of a log record.
type RecordType uint32

const (
	// RecordStateTransition records a transaction state change.
	RecordStateTransition RecordType = iota + 1
	// RecordGet records an observed (key, version) read.
	RecordGet
	// RecordPut records a tentative write of a key.
	RecordPut
	// RecordDelete records a tentative delete of a key.
	RecordDelete
	// RecordJoin records a participant joining a distributed
	// transaction; it carries the persistent child reference that,
	// paired with the TID, forms the participant's XID.
	RecordJoin
)

// Record is a single transaction log entry.
// Header: {Type uint32, SID uint64, TID uint64}. The body depends on
// the type: state transitions carry State, gets carry Key and Version,
// puts and deletes carry Key.
type Record struct {
	Type    RecordType
	SID     SID
	TID     tso.Timestamp
	State   uint8
	Key     string
	Version tso.Timestamp
	Ref     uint64
}

const headerSize = 4 + 8 + 8

// Encode serializes the record.
// Format: [4-byte Type][8-byte SID][8-byte TID][body]
func (r Record) Encode() []byte {
	var body int
	switch r.Type {
	case RecordStateTransition:
		body = 1
	case RecordGet:
		body = 4 + len(r.Key) + 8
	case RecordPut, RecordDelete:
		body = 4 + len(r.Key)
	case RecordJoin:
		body = 8
	}

	buf := make([]byte, headerSize+body)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Type))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.SID))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(r.TID))

	switch r.Type {
	case RecordStateTransition:
		buf[headerSize] = r.State
	case RecordGet:
		n := putKey(buf[headerSize:], r.Key)
		binary.LittleEndian.PutUint64(buf[headerSize+n:], uint64(r.Version))
	case RecordPut, RecordDelete:
		putKey(buf[headerSize:], r.Key)
	case RecordJoin:
		binary.LittleEndian.PutUint64(buf[headerSize:], r.Ref)
	}
	return buf
}

// DecodeRecord deserializes a record.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < headerSize {
		return Record{}, ErrCorruptRecord
	}

	r := Record{
		Type: RecordType(binary.LittleEndian.Uint32(data[0:4])),
		SID:  SID(binary.LittleEndian.Uint64(data[4:12])),
		TID:  tso.Timestamp(binary.LittleEndian.Uint64(data[12:20])),
	}
	body := data[headerSize:]

	switch r.Type {
	case RecordStateTransition:
		if len(body) < 1 {
			return Record{}, ErrCorruptRecord
		}
		r.State = body[0]
	case RecordGet:
		key, n, ok := getKey(body)
		if !ok || len(body) < n+8 {
			return Record{}, ErrCorruptRecord
		}
		r.Key = key
		r.Version = tso.Timestamp(binary.LittleEndian.Uint64(body[n:]))
	case RecordPut, RecordDelete:
		key, _, ok := getKey(body)
		if !ok {
			return Record{}, ErrCorruptRecord
		}
		r.Key = key
	case RecordJoin:
		if len(body) < 8 {
			return Record{}, ErrCorruptRecord
		}
		r.Ref = binary.LittleEndian.Uint64(body)
	default:
		return Record{}, ErrCorruptRecord
	}
	return r, nil
}

func putKey(buf []byte, key string) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	return 4 + len(key)
}

func getKey(buf []byte) (string, int, bool) {
	if len(buf) < 4 {
		return "", 0, false
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < 4+n {
		return "", 0, false
	}
	return string(buf[4 : 4+n]), 4 + n, true
}

// Log is an append-only, durable record of transaction state
// transitions and operations. Every successful append returns the SID
// assigned to the record; the returned SID is the durability witness.
type Log interface {
	// AppendState appends a state-transition record.
	AppendState(tid tso.Timestamp, state uint8) (SID, error)

	// AppendGet appends a read record.
	AppendGet(tid tso.Timestamp, key string, version tso.Timestamp) (SID, error)

	// AppendPut appends a tentative-write record.
	AppendPut(tid tso.Timestamp, key string) (SID, error)

	// AppendDelete appends a tentative-delete record.
	AppendDelete(tid tso.Timestamp, key string) (SID, error)

	// AppendJoin appends a distributed-join record carrying the
	// participant's persistent child reference.
	AppendJoin(tid tso.Timestamp, ref uint64) (SID, error)

	// Truncate physically discards all records with SID <= sid.
	Truncate(sid SID) error

	// Recover returns all live records, oldest first.
	Recover() ([]Record, error)

	// Close releases the log.
	Close() error
}
