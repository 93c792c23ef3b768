package kv

import (
	"sort"
	"sync"

	"github.com/strategist922/troups/pkg/tso"
)

// versionEntry is one version of a cell. A tombstone records a
// transactional delete.
type versionEntry struct {
	ts        tso.Timestamp
	value     []byte
	tombstone bool
}

// versionChain holds the versions of one key, sorted by timestamp.
type versionChain struct {
	mu       sync.Mutex
	versions []versionEntry
}

// MemoryStore is an in-memory multi-version Store. It also plays the
// hosting side of the observer contract: the Tx* operations invite the
// attached TransactionObserver into every get, put and delete, which
// lets a complete single-process stack run against it.
type MemoryStore struct {
	mu        sync.RWMutex
	cells     map[string]*versionChain
	observer  TransactionObserver
	listeners []LifecycleListener
	stopped   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cells: make(map[string]*versionChain),
	}
}

// SetObserver attaches the transaction observer. Wire at construction,
// before any transactional operation.
func (s *MemoryStore) SetObserver(o TransactionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// AddLifecycleListener subscribes to host lifecycle transitions.
func (s *MemoryStore) AddLifecycleListener(fn LifecycleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MemoryStore) broadcast(state LifecycleState) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// Start announces the starting and started lifecycle phases.
func (s *MemoryStore) Start() {
	s.broadcast(LifecycleStarting)
	s.broadcast(LifecycleStarted)
}

// Stop announces the stopping and stopped lifecycle phases.
func (s *MemoryStore) Stop() {
	s.broadcast(LifecycleStopping)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.broadcast(LifecycleStopped)
}

func (s *MemoryStore) chain(key string, create bool) *versionChain {
	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[key]; ok {
		return c
	}
	c = &versionChain{}
	s.cells[key] = c
	return c
}

// Put writes the version of key tagged with ts.
func (s *MemoryStore) Put(key string, ts tso.Timestamp, value []byte) error {
	return s.write(key, ts, value, false)
}

// PutTombstone writes a delete-marker version of key tagged with ts.
func (s *MemoryStore) PutTombstone(key string, ts tso.Timestamp) error {
	return s.write(key, ts, nil, true)
}

func (s *MemoryStore) write(key string, ts tso.Timestamp, value []byte, tombstone bool) error {
	c := s.chain(key, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.versions), func(i int) bool { return c.versions[i].ts >= ts })
	if i < len(c.versions) && c.versions[i].ts == ts {
		c.versions[i] = versionEntry{ts: ts, value: value, tombstone: tombstone}
		return nil
	}
	c.versions = append(c.versions, versionEntry{})
	copy(c.versions[i+1:], c.versions[i:])
	c.versions[i] = versionEntry{ts: ts, value: value, tombstone: tombstone}
	return nil
}

// Get returns the greatest version of key with timestamp <= upTo.
func (s *MemoryStore) Get(key string, upTo tso.Timestamp) (tso.Timestamp, []byte, bool, error) {
	c := s.chain(key, false)
	if c == nil {
		return 0, nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.versions), func(i int) bool { return c.versions[i].ts > upTo })
	if i == 0 {
		return 0, nil, false, nil
	}
	v := c.versions[i-1]
	if v.tombstone {
		return v.ts, nil, true, nil
	}
	return v.ts, v.value, true, nil
}

// DeleteVersion removes the exact version (key, ts).
func (s *MemoryStore) DeleteVersion(key string, ts tso.Timestamp) error {
	c := s.chain(key, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.versions), func(i int) bool { return c.versions[i].ts >= ts })
	if i < len(c.versions) && c.versions[i].ts == ts {
		c.versions = append(c.versions[:i], c.versions[i+1:]...)
	}
	return nil
}

// DeleteVersions removes all versions of key with timestamp <= upTo,
// oldest first.
func (s *MemoryStore) DeleteVersions(key string, upTo tso.Timestamp) error {
	c := s.chain(key, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.versions) > 0 && c.versions[0].ts <= upTo {
		c.versions = c.versions[1:]
	}
	return nil
}

// Versions returns the timestamps of all versions of key, oldest first.
func (s *MemoryStore) Versions(key string) []tso.Timestamp {
	c := s.chain(key, false)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]tso.Timestamp, len(c.versions))
	for i, v := range c.versions {
		out[i] = v.ts
	}
	return out
}

// TxGet reads keys on behalf of transaction tid, driving the observer
// hooks around the store reads.
func (s *MemoryStore) TxGet(tid tso.Timestamp, keys ...string) (map[string][]byte, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	obs := s.currentObserver()
	if obs != nil {
		if err := obs.BeforeGet(tid, keys); err != nil {
			return nil, err
		}
	}

	values := make(map[string][]byte)
	results := make([]KeyVersion, 0, len(keys))
	for _, key := range keys {
		version, value, ok, err := s.Get(key, tid)
		if err != nil {
			if obs != nil {
				obs.FailedGet(tid, keys, err)
			}
			return nil, err
		}
		// A key with no version at or below the transaction reads as
		// the implicit baseline version 0.
		if !ok {
			version = 0
		}
		results = append(results, KeyVersion{Key: key, Version: version})
		if ok && value != nil {
			values[key] = value
		}
	}

	if obs != nil {
		if err := obs.AfterGet(tid, results); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// TxPut writes key on behalf of transaction tid, driving the observer
// hooks around the store write.
func (s *MemoryStore) TxPut(tid tso.Timestamp, key string, value []byte) error {
	return s.txWrite(tid, key, value, false)
}

// TxDelete deletes key on behalf of transaction tid by writing a
// tombstone version.
func (s *MemoryStore) TxDelete(tid tso.Timestamp, key string) error {
	return s.txWrite(tid, key, nil, true)
}

func (s *MemoryStore) txWrite(tid tso.Timestamp, key string, value []byte, tombstone bool) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	obs := s.currentObserver()
	keys := []string{key}

	if obs != nil {
		var err error
		if tombstone {
			err = obs.BeforeDelete(tid, keys)
		} else {
			err = obs.BeforePut(tid, keys)
		}
		if err != nil {
			return err
		}
	}

	if err := s.write(key, tid, value, tombstone); err != nil {
		if obs != nil {
			if tombstone {
				obs.FailedDelete(tid, keys, err)
			} else {
				obs.FailedPut(tid, keys, err)
			}
		}
		return err
	}

	if obs != nil {
		if tombstone {
			return obs.AfterDelete(tid, keys)
		}
		return obs.AfterPut(tid, keys)
	}
	return nil
}

func (s *MemoryStore) currentObserver() TransactionObserver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observer
}

func (s *MemoryStore) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStoreStopped
	}
	return nil
}
