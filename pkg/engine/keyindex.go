package engine

import (
	"sort"
	"sync"

	"github.com/strategist922/troups/pkg/tso"
)

// keyIndex holds the per-key conflict state: which transactions read
// which version, which transactions currently hold a tentative write,
// and which committed write versions exist for garbage collection.
//
// The index mutex is the key lock of the concurrency model: version
// selection checks, the conflict scans and all index mutations happen
// under it. When an operation touches several keys their indices are
// visited in sorted key order.
type keyIndex struct {
	mu sync.Mutex

	// readers maps an observed version to the transactions that read it.
	readers map[tso.Timestamp]map[tso.Timestamp]*Transaction

	// writers holds transactions between before-write and finalization.
	writers map[tso.Timestamp]*Transaction

	// known is the sorted list of durable versions of the key the
	// engine has seen: versions observed by reads with no active writer
	// and versions committed through this engine. Reclamation keeps the
	// greatest known version at or below the bound and frees the rest.
	known []tso.Timestamp
}

func newKeyIndex() *keyIndex {
	return &keyIndex{
		readers: make(map[tso.Timestamp]map[tso.Timestamp]*Transaction),
		writers: make(map[tso.Timestamp]*Transaction),
	}
}

// blockingWriter returns a writer whose TID lies strictly between the
// observed version and the reader's TID. Caller holds kx.mu.
func (kx *keyIndex) blockingWriter(version, reader tso.Timestamp) *Transaction {
	var found *Transaction
	for tid, w := range kx.writers {
		if tid > version && tid < reader {
			if found == nil || tid < found.id {
				found = w
			}
		}
	}
	return found
}

// conflictingReader returns a reader R with observed version < writer <
// TID(R), the forbidden band of timestamp ordering rule 2a. Caller
// holds kx.mu.
func (kx *keyIndex) conflictingReader(writer tso.Timestamp) *Transaction {
	for version, byTID := range kx.readers {
		if version >= writer {
			continue
		}
		for tid, r := range byTID {
			if tid > writer {
				return r
			}
		}
	}
	return nil
}

// addReader registers txn as a reader of version. Caller holds kx.mu.
func (kx *keyIndex) addReader(version tso.Timestamp, txn *Transaction) {
	byTID, ok := kx.readers[version]
	if !ok {
		byTID = make(map[tso.Timestamp]*Transaction)
		kx.readers[version] = byTID
	}
	byTID[txn.id] = txn
}

// removeReader expunges txn's registration for version.
func (kx *keyIndex) removeReader(version, tid tso.Timestamp) {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	byTID, ok := kx.readers[version]
	if !ok {
		return
	}
	delete(byTID, tid)
	if len(byTID) == 0 {
		delete(kx.readers, version)
	}
}

// recordKnown inserts a durable version, keeping the list sorted.
// Caller holds kx.mu.
func (kx *keyIndex) recordKnown(ts tso.Timestamp) {
	i := sort.Search(len(kx.known), func(i int) bool { return kx.known[i] >= ts })
	if i < len(kx.known) && kx.known[i] == ts {
		return
	}
	kx.known = append(kx.known, 0)
	copy(kx.known[i+1:], kx.known[i:])
	kx.known[i] = ts
}

// reclaimBound returns the delete bound for versions made obsolete by a
// reclamation at bound: every version strictly below the greatest known
// version <= bound is shadowed for all live and future readers. The
// second result is false when nothing is reclaimable. Caller holds
// kx.mu.
func (kx *keyIndex) reclaimBound(bound tso.Timestamp) (tso.Timestamp, bool) {
	i := sort.Search(len(kx.known), func(i int) bool { return kx.known[i] > bound })
	if i == 0 {
		return 0, false
	}
	greatest := kx.known[i-1]
	if greatest == 0 || kx.known[0] >= greatest {
		return 0, false
	}
	// Drop the shadowed entries from the known list as well.
	j := sort.Search(len(kx.known), func(i int) bool { return kx.known[i] >= greatest })
	kx.known = append([]tso.Timestamp(nil), kx.known[j:]...)
	return greatest - 1, true
}

// sortedKeys returns keys in their natural order, the lock acquisition
// order for multi-key operations.
func sortedKeys(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}

// sortedResults returns read results sorted by key.
func sortedResults(results []kvPair) []kvPair {
	out := make([]kvPair, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

type kvPair struct {
	key     string
	version tso.Timestamp
}
