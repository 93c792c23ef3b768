package txlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	bolt "go.etcd.io/bbolt"

	"github.com/strategist922/troups/pkg/tso"
)

// BoltLog is a durable Log backed by BoltDB. Each transaction group
// gets its own bucket, so engine instances for different groups can
// share one database file while keeping independent record sequences.
//
// When an archive directory is configured, truncated records are
// streamed through gzip into numbered archive segments before they are
// physically discarded.
type BoltLog struct {
	mu         sync.Mutex
	db         *bolt.DB
	bucket     []byte
	archiveDir string
	segment    uint64
	ownsDB     bool
	closed     bool
}

// BoltLogOptions configures a BoltLog.
type BoltLogOptions struct {
	// ArchiveDir, when non-empty, receives gzip segments of truncated
	// records.
	ArchiveDir string
}

// OpenBoltLog opens (or creates) the log partition for group in the
// BoltDB file at path.
func OpenBoltLog(path, group string, opts BoltLogOptions) (*BoltLog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	l, err := NewBoltLog(db, group, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// NewBoltLog creates the log partition for group on an existing
// database handle. The caller keeps ownership of db.
func NewBoltLog(db *bolt.DB, group string, opts BoltLogOptions) (*BoltLog, error) {
	bucket := []byte("log:" + group)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log bucket: %w", err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	return &BoltLog{db: db, bucket: bucket, archiveDir: opts.ArchiveDir}, nil
}

func (l *BoltLog) append(r Record) (SID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	var sid SID
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sid = SID(seq)
		r.SID = sid
		return b.Put(sidKey(sid), r.Encode())
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append log record: %w", err)
	}
	return sid, nil
}

// AppendState appends a state-transition record.
func (l *BoltLog) AppendState(tid tso.Timestamp, state uint8) (SID, error) {
	return l.append(Record{Type: RecordStateTransition, TID: tid, State: state})
}

// AppendGet appends a read record.
func (l *BoltLog) AppendGet(tid tso.Timestamp, key string, version tso.Timestamp) (SID, error) {
	return l.append(Record{Type: RecordGet, TID: tid, Key: key, Version: version})
}

// AppendPut appends a tentative-write record.
func (l *BoltLog) AppendPut(tid tso.Timestamp, key string) (SID, error) {
	return l.append(Record{Type: RecordPut, TID: tid, Key: key})
}

// AppendDelete appends a tentative-delete record.
func (l *BoltLog) AppendDelete(tid tso.Timestamp, key string) (SID, error) {
	return l.append(Record{Type: RecordDelete, TID: tid, Key: key})
}

// AppendJoin appends a distributed-join record.
func (l *BoltLog) AppendJoin(tid tso.Timestamp, ref uint64) (SID, error) {
	return l.append(Record{Type: RecordJoin, TID: tid, Ref: ref})
}

// Truncate discards all records with SID <= sid, archiving them first
// when an archive directory is configured.
func (l *BoltLog) Truncate(sid SID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var truncated [][]byte
	err := l.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(l.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if SID(binary.BigEndian.Uint64(k)) > sid {
				break
			}
			if l.archiveDir != "" {
				truncated = append(truncated, append([]byte(nil), v...))
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		// The deletions only become durable when this update commits,
		// so a failed archive leaves the records in place.
		if len(truncated) > 0 {
			return l.archive(truncated)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	return nil
}

// archive writes truncated records to a numbered gzip segment.
// Segment format: repeated [4-byte length][record bytes].
func (l *BoltLog) archive(records [][]byte) error {
	l.segment++
	name := filepath.Join(l.archiveDir, fmt.Sprintf("segment-%06d.gz", l.segment))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create archive segment: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	var size [4]byte
	for _, rec := range records {
		binary.LittleEndian.PutUint32(size[:], uint32(len(rec)))
		if _, err := zw.Write(size[:]); err != nil {
			return fmt.Errorf("failed to write archive segment: %w", err)
		}
		if _, err := zw.Write(rec); err != nil {
			return fmt.Errorf("failed to write archive segment: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive segment: %w", err)
	}
	return f.Sync()
}

// Recover returns all live records, oldest first.
func (l *BoltLog) Recover() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var records []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(l.bucket).ForEach(func(k, v []byte) error {
			r, err := DecodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover log: %w", err)
	}
	return records, nil
}

// Close closes the log. The database handle is closed only when this
// log opened it.
func (l *BoltLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

func sidKey(sid SID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sid))
	return buf
}
