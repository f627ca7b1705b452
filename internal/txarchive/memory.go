package txarchive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/freshchain/freshchain/internal/txstore"
)

// MemoryArchive is an in-memory, thread-safe Archive implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require the audit trail to survive restarts.
type MemoryArchive struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New creates a MemoryArchive initialised with the canonical genesis entry.
// The genesis entry is at index 0 and its hash is GenesisHash.
func New() *MemoryArchive {
	a := &MemoryArchive{}
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Kind:      "genesis",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
	a.entries = append(a.entries, genesis)
	return a
}

// Append implements Archive.
func (a *MemoryArchive) Append(_ context.Context, tx *txstore.Transaction) (*Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dataHash, err := txDataHash(tx)
	if err != nil {
		return nil, err
	}
	prev := a.entries[len(a.entries)-1]

	entry := &Entry{
		Index:      len(a.entries),
		Timestamp:  time.Now().UTC(),
		TxHash:     tx.Hash,
		Kind:       string(tx.Kind),
		MerkleRoot: tx.MerkleRoot,
		DataHash:   dataHash,
		PrevHash:   prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	a.entries = append(a.entries, entry)
	return entry, nil
}

// Get implements Archive.
func (a *MemoryArchive) Get(_ context.Context, index int) (*Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if index < 0 || index >= len(a.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return a.entries[index], nil
}

// Len implements Archive.
func (a *MemoryArchive) Len(_ context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries), nil
}

// Verify implements Archive. It walks the chain and checks that all hashes
// are consistent. The genesis entry (index 0) is validated against
// GenesisHash.
func (a *MemoryArchive) Verify(_ context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i, curr := range a.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}

		prev := a.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root implements Archive.
func (a *MemoryArchive) Root(_ context.Context) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.entries) == 0 {
		return "", nil
	}
	return a.entries[len(a.entries)-1].Hash, nil
}
