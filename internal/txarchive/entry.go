package txarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/freshchain/freshchain/internal/txstore"
)

// GenesisHash is the canonical well-known hash of the genesis entry. It
// anchors the chain; all subsequent entry hashes chain from this constant
// rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single archive record. TxHash and MerkleRoot are copied from
// the ledger transaction; DataHash covers its full JSON serialization, so a
// transaction altered after archiving no longer matches its entry.
type Entry struct {
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	TxHash     string    `json:"tx_hash"`
	Kind       string    `json:"kind"` // transaction kind, or "genesis"
	MerkleRoot string    `json:"merkle_root"`
	DataHash   string    `json:"data_hash"` // SHA-256 of the transaction JSON
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// Must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.TxHash, e.Kind, e.MerkleRoot, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// txDataHash returns the hex SHA-256 digest of the transaction's JSON form.
func txDataHash(tx *txstore.Transaction) (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
