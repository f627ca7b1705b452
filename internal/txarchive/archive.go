// Package txarchive implements a hash-chained, append-only archive of
// committed ledger transactions.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the SHA-256 of
// its predecessor, so truncation or rewriting anywhere in the archive is
// detectable via Verify. Unlike the in-memory transaction store the archive
// never expires entries; it is the durable audit trail that outlives the TTL.
//
// Two implementations of the Archive interface are provided:
//   - MemoryArchive: in-process, for testing and development.
//   - PostgresArchive: durable, for production use.
package txarchive

import (
	"context"

	"github.com/freshchain/freshchain/internal/txstore"
)

// Archive is the interface for the append-only transaction archive.
type Archive interface {
	// Append adds an entry for tx chained to the previous one.
	Append(ctx context.Context, tx *txstore.Transaction) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}
