package ledger

import (
	"context"
	"time"

	"github.com/freshchain/freshchain/internal/txstore"
)

// VerificationResult is the outcome of VerifyTransaction. Verified is true
// only when both the signature and the Merkle root check hold.
type VerificationResult struct {
	Verified        bool           `json:"verified"`
	SignatureValid  bool           `json:"signature_valid"`
	MerkleRootValid bool           `json:"merkle_root_valid"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// VerifyTransaction re-checks a stored transaction's integrity: the
// signature over the decrypted payload against the key generation that
// issued it, and the Merkle root snapshot against a root recomputed over
// the insertion-ordered store prefix ending at the transaction. Any
// failure, including a decryption failure on an encrypted payload, yields
// verified=false rather than an error.
func (s *Service) VerifyTransaction(hash string) *VerificationResult {
	tx, ok := s.store.Get(hash)
	if !ok {
		return &VerificationResult{}
	}

	plain, err := s.decryptPayload(tx)
	if err != nil {
		return &VerificationResult{}
	}

	sigValid := s.engine.VerifyByFingerprint(plain, tx.Signature, tx.SignedBy)

	var leaves []string
	for _, t := range s.store.OrderedByInsertion() {
		leaves = append(leaves, t.Hash)
		if t.Hash == tx.Hash {
			break
		}
	}
	merkleValid := len(leaves) > 0 &&
		leaves[len(leaves)-1] == tx.Hash &&
		s.engine.MerkleRoot(leaves) == tx.MerkleRoot

	return &VerificationResult{
		Verified:        sigValid && merkleValid,
		SignatureValid:  sigValid,
		MerkleRootValid: merkleValid,
		Payload:         plain,
	}
}

// GetShipmentHistory returns all transactions for a shipment, ordered by
// timestamp ascending.
func (s *Service) GetShipmentHistory(shipmentID string) []*txstore.Transaction {
	return s.store.Query(func(tx *txstore.Transaction) bool {
		return payloadMatches(tx.Payload, "shipment_id", shipmentID)
	})
}

// GetCrateHistory returns all transactions for a crate, ordered by
// timestamp ascending.
func (s *Service) GetCrateHistory(crateID string) []*txstore.Transaction {
	return s.store.Query(func(tx *txstore.Transaction) bool {
		return payloadMatches(tx.Payload, "crate_id", crateID)
	})
}

// payloadMatches reports whether payload carries key=want either as a
// direct field or inside a nested detail object.
func payloadMatches(payload map[string]any, key, want string) bool {
	if v, ok := payload[key]; ok {
		if sv, ok := v.(string); ok && sv == want {
			return true
		}
	}
	for _, v := range payload {
		if nested, ok := v.(map[string]any); ok {
			if payloadMatches(nested, key, want) {
				return true
			}
		}
	}
	return false
}

// Report is a filtered view over the ledger contents.
type Report struct {
	Transactions []*txstore.Transaction `json:"transactions"`
	TotalCount   int                    `json:"total_transactions"`
	GeneratedAt  string                 `json:"generated_at"`
}

// ReportFilter holds the optional, conjunctive report filters. Date bounds
// are fixed-width ISO-8601 strings compared lexicographically against the
// transaction timestamp.
type ReportFilter struct {
	ShipmentID string
	CrateID    string
	StartDate  string
	EndDate    string
}

// GenerateReport returns the transactions matching every supplied filter,
// ordered by timestamp ascending.
func (s *Service) GenerateReport(f ReportFilter) *Report {
	txs := s.store.Query(func(tx *txstore.Transaction) bool {
		if f.StartDate != "" && tx.Timestamp < f.StartDate {
			return false
		}
		if f.EndDate != "" && tx.Timestamp > f.EndDate {
			return false
		}
		if f.ShipmentID != "" && !payloadMatches(tx.Payload, "shipment_id", f.ShipmentID) {
			return false
		}
		if f.CrateID != "" && !payloadMatches(tx.Payload, "crate_id", f.CrateID) {
			return false
		}
		return true
	})

	return &Report{
		Transactions: txs,
		TotalCount:   len(txs),
		GeneratedAt:  txstore.Now(),
	}
}

// StatusReport describes the ledger's connection state, transaction counts,
// and the active public key.
type StatusReport struct {
	Mode              Mode   `json:"mode"`
	Connected         bool   `json:"connected"`
	TotalTransactions int    `json:"total_transactions"`
	TotalEvents       uint64 `json:"total_events"`
	PendingRetries    int    `json:"pending_retries"`
	ActivePublicKey   string `json:"active_public_key"`
	KeyGeneratedAt    string `json:"key_generated_at"`
}

// GetStatus reports the current ledger state. Connected is always false in
// local mode.
func (s *Service) GetStatus(ctx context.Context) *StatusReport {
	connected := false
	if s.cfg.Mode == ModeRemote {
		connected = s.chain.Connected(ctx)
	}

	pem, _ := s.engine.ExportPublicKeyPEM()
	key := s.engine.ActiveKey()

	return &StatusReport{
		Mode:              s.cfg.Mode,
		Connected:         connected,
		TotalTransactions: s.store.Len(),
		TotalEvents:       s.totalEvents.Load(),
		PendingRetries:    s.queue.Len(),
		ActivePublicKey:   pem,
		KeyGeneratedAt:    key.GeneratedAt.UTC().Format(time.RFC3339),
	}
}

// ArchiveStatus summarises the audit archive: its length, chain tip, and
// whether the full hash chain verifies.
type ArchiveStatus struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Intact  bool   `json:"intact"`
}

// GetArchiveStatus verifies the audit archive and reports its state. It
// returns nil when no archive is configured.
func (s *Service) GetArchiveStatus(ctx context.Context) (*ArchiveStatus, error) {
	if s.archive == nil {
		return nil, nil
	}
	n, err := s.archive.Len(ctx)
	if err != nil {
		return nil, err
	}
	root, err := s.archive.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &ArchiveStatus{
		Entries: n,
		Root:    root,
		Intact:  s.archive.Verify(ctx) == nil,
	}, nil
}

// TransactionOutcome is the answer to a status poll by hash.
type TransactionOutcome string

const (
	OutcomeConfirmed    TransactionOutcome = "confirmed"
	OutcomePendingRetry TransactionOutcome = "pending_retry"
	OutcomeFailed       TransactionOutcome = "failed"
	OutcomeUnknown      TransactionOutcome = "unknown"
)

// GetTransactionStatus resolves the eventual outcome of a record call by
// its hash: confirmed in the store, still pending in the retry queue,
// permanently failed, or unknown (never seen, or evicted by TTL).
func (s *Service) GetTransactionStatus(ctx context.Context, hash string) TransactionOutcome {
	if _, ok := s.store.Get(hash); ok {
		return OutcomeConfirmed
	}
	if s.queue.Has(hash) {
		return OutcomePendingRetry
	}
	if found, err := s.queue.Sink().Find(ctx, hash); err == nil && found {
		return OutcomeFailed
	}
	return OutcomeUnknown
}
