package txstore

import (
	"sort"
	"sync"
	"time"
)

// cachedEntry wraps a stored transaction with its insertion time and a
// sequence number used to keep timestamp-equal records in insertion order.
type cachedEntry struct {
	tx       *Transaction
	cachedAt time.Time
	seq      uint64
}

func (e *cachedEntry) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.cachedAt) > ttl
}

// Store is a thread-safe in-memory map of transaction hash to record with
// TTL-based expiry. A non-positive TTL disables expiry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*cachedEntry
	ttl     time.Duration
	seq     uint64
}

// New creates an empty Store whose entries expire after ttl.
func New(ttl time.Duration) *Store {
	return &Store{
		entries: make(map[string]*cachedEntry),
		ttl:     ttl,
	}
}

// Put inserts tx keyed by its hash. Re-inserting the same hash is
// idempotent by construction: the hash is content-derived, so an existing
// entry can only be overwritten with identical content.
func (s *Store) Put(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[tx.Hash] = &cachedEntry{
		tx:       tx,
		cachedAt: time.Now(),
		seq:      s.seq,
	}
}

// Get returns the transaction for hash, or false if it is absent or has
// outlived the TTL. Expiry here uses the same age test as CleanupExpired.
func (s *Store) Get(hash string) (*Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok || e.expired(time.Now(), s.ttl) {
		return nil, false
	}
	return e.tx, true
}

// CleanupExpired removes every entry older than the TTL as of now and
// returns the number removed. Entries younger than the TTL are never
// touched.
func (s *Store) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, e := range s.entries {
		if e.expired(now, s.ttl) {
			delete(s.entries, hash)
			n++
		}
	}
	return n
}

// Len returns the number of live (unexpired) entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now, s.ttl) {
			n++
		}
	}
	return n
}

// Query returns the live transactions matching pred, sorted by timestamp
// ascending with insertion order breaking ties. A nil pred matches all.
func (s *Store) Query(pred func(*Transaction) bool) []*Transaction {
	s.mu.RLock()
	now := time.Now()
	matched := make([]*cachedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.expired(now, s.ttl) {
			continue
		}
		if pred == nil || pred(e.tx) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].tx.Timestamp != matched[j].tx.Timestamp {
			return matched[i].tx.Timestamp < matched[j].tx.Timestamp
		}
		return matched[i].seq < matched[j].seq
	})

	txs := make([]*Transaction, len(matched))
	for i, e := range matched {
		txs[i] = e.tx
	}
	return txs
}

// Ordered returns all live transactions in timestamp order, the sequence
// history and report queries present.
func (s *Store) Ordered() []*Transaction {
	return s.Query(nil)
}

// OrderedByInsertion returns all live transactions in the order they were
// inserted. It is the sequence the Merkle root is computed over: insertion
// order is fixed at commit time, so a record whose timestamp sorts earlier
// than an existing entry cannot rewrite that entry's prefix.
func (s *Store) OrderedByInsertion() []*Transaction {
	s.mu.RLock()
	now := time.Now()
	live := make([]*cachedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now, s.ttl) {
			live = append(live, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	txs := make([]*Transaction, len(live))
	for i, e := range live {
		txs[i] = e.tx
	}
	return txs
}
