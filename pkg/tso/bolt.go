package tso

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReferences = []byte("references")
	bucketDecisions  = []byte("decisions")
)

// BoltSharedOracle is a SharedOracle whose child references and commit
// decision records survive a process restart. The decision record
// written by PersistReferences is a single BoltDB update, which makes
// the coordinator's point of no return atomic.
type BoltSharedOracle struct {
	*LocalSharedOracle
	db *bolt.DB
}

// OpenBoltSharedOracle opens (or creates) a shared oracle backed by the
// BoltDB file at path. Timestamps with persisted decisions or live
// references are restored as held.
func OpenBoltSharedOracle(path string) (*BoltSharedOracle, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open oracle database: %w", err)
	}

	o := &BoltSharedOracle{
		LocalSharedOracle: NewLocalSharedOracle(),
		db:                db,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketReferences, bucketDecisions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := o.restoreState(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// restoreState reloads persisted references and decisions after a
// restart and re-marks their timestamps as live.
func (o *BoltSharedOracle) restoreState() error {
	return o.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketReferences).ForEach(func(k, v []byte) error {
			ts := Timestamp(binary.BigEndian.Uint64(k))
			o.LocalOracle.restore(ts)
			o.mu.Lock()
			for _, ref := range decodeReferences(v) {
				children, ok := o.refs[ts]
				if !ok {
					children = make(map[Reference]struct{})
					o.refs[ts] = children
				}
				children[ref] = struct{}{}
				if ref > o.nextRef {
					o.nextRef = ref
				}
			}
			o.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDecisions).ForEach(func(k, v []byte) error {
			ts := Timestamp(binary.BigEndian.Uint64(k))
			o.LocalOracle.restore(ts)
			o.mu.Lock()
			o.persisted[ts] = decodeReferences(v)
			o.mu.Unlock()
			return nil
		})
	})
}

// AcquireReference issues a persistent child reference on ts.
func (o *BoltSharedOracle) AcquireReference(ts Timestamp) (Reference, error) {
	ref, err := o.LocalSharedOracle.AcquireReference(ts)
	if err != nil {
		return 0, err
	}
	if err := o.writeReferences(ts); err != nil {
		o.LocalSharedOracle.ReleaseReference(ts, ref)
		return 0, err
	}
	return ref, nil
}

// ReleaseReference drops a child reference and its durable record.
func (o *BoltSharedOracle) ReleaseReference(ts Timestamp, ref Reference) error {
	if err := o.LocalSharedOracle.ReleaseReference(ts, ref); err != nil {
		return err
	}
	return o.writeReferences(ts)
}

// writeReferences rewrites the durable reference set of ts.
func (o *BoltSharedOracle) writeReferences(ts Timestamp) error {
	refs := o.References(ts)
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferences)
		if len(refs) == 0 {
			return b.Delete(tsKey(ts))
		}
		return b.Put(tsKey(ts), encodeReferences(refs))
	})
}

// PersistReferences durably records the commit decision for ts.
func (o *BoltSharedOracle) PersistReferences(ts Timestamp, refs []Reference) error {
	if err := o.LocalSharedOracle.PersistReferences(ts, refs); err != nil {
		return err
	}
	err := o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDecisions).Put(tsKey(ts), encodeReferences(refs))
	})
	if err != nil {
		return fmt.Errorf("failed to persist decision record: %w", err)
	}
	return nil
}

// ReleaseShared drops a shared timestamp and all durable state for it.
func (o *BoltSharedOracle) ReleaseShared(ts Timestamp) error {
	err := o.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketReferences).Delete(tsKey(ts)); err != nil {
			return err
		}
		return tx.Bucket(bucketDecisions).Delete(tsKey(ts))
	})
	if err != nil {
		return fmt.Errorf("failed to discard shared timestamp state: %w", err)
	}
	return o.LocalSharedOracle.ReleaseShared(ts)
}

// Close closes the backing database.
func (o *BoltSharedOracle) Close() error {
	if err := o.LocalOracle.Close(); err != nil {
		return err
	}
	return o.db.Close()
}

func tsKey(ts Timestamp) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	return buf
}

// encodeReferences serializes a reference list.
// Format: [8-byte count][8-byte ref]...
func encodeReferences(refs []Reference) []byte {
	buf := make([]byte, 8+8*len(refs))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(refs)))
	for i, ref := range refs {
		binary.LittleEndian.PutUint64(buf[8+8*i:], uint64(ref))
	}
	return buf
}

func decodeReferences(data []byte) []Reference {
	if len(data) < 8 {
		return nil
	}
	count := binary.LittleEndian.Uint64(data[0:8])
	refs := make([]Reference, 0, count)
	for i := uint64(0); i < count && 8+8*(i+1) <= uint64(len(data)); i++ {
		refs = append(refs, Reference(binary.LittleEndian.Uint64(data[8+8*i:])))
	}
	return refs
}
