// Package txstore defines the ledger transaction model and an in-memory,
// TTL-bounded transaction store. The store is the authoritative copy in
// local mode; in remote mode it is a short-lived cache of what was
// forwarded upstream.
package txstore

import "time"

// TimeLayout is the fixed-width UTC timestamp format used on every
// transaction. Fixed width makes lexicographic comparison equivalent to
// chronological comparison, which the report date filters rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Kind is the closed set of transaction types the ledger records.
type Kind string

const (
	KindSensorReading    Kind = "sensor_reading"
	KindRipenessAnalysis Kind = "ripeness_analysis"
	KindShipmentCreation Kind = "shipment_creation"
	KindShipmentUpdate   Kind = "shipment_update"
	KindQualityCheck     Kind = "quality_check"
)

// Transaction is a single immutable ledger record. Hash is content-derived
// from the canonical serialization of Payload and is the record's identity.
// MerkleRoot is a snapshot of the root over the ordered store contents,
// including this transaction, at record time.
type Transaction struct {
	Kind       Kind           `json:"type"`
	Payload    map[string]any `json:"payload"`
	Timestamp  string         `json:"timestamp"`
	Hash       string         `json:"hash"`
	Signature  []byte         `json:"signature"`
	SignedBy   string         `json:"signed_by"` // fingerprint of the signing key generation
	MerkleRoot string         `json:"merkle_root"`

	// EncryptedFields names the payload keys whose values were sealed with
	// AES-GCM before storage. Empty for fully-plaintext transactions.
	EncryptedFields []string `json:"encrypted_fields,omitempty"`
}

// Now returns the current time formatted in TimeLayout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}
