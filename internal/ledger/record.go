package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/cryptoengine"
	"github.com/freshchain/freshchain/internal/txstore"
)

// sensitiveMarkers are the case-insensitive substrings that flag a payload
// key for encryption.
var sensitiveMarkers = []string{"password", "secret", "token", "key"}

// RecordSensorData records a sensor reading. When batching is enabled the
// transaction is held until the batch threshold is reached; the returned
// hash is valid either way.
func (s *Service) RecordSensorData(ctx context.Context, sensorID string, data map[string]any) (*RecordResult, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("sensor_id is required")
	}
	payload := map[string]any{
		"sensor_id": sensorID,
		"data":      data,
	}
	if s.cfg.BatchSize > 1 {
		return s.recordBatched(ctx, txstore.KindSensorReading, payload)
	}
	return s.record(ctx, txstore.KindSensorReading, payload)
}

// RecordRipenessAnalysis records a fruit ripeness analysis result for a
// crate.
func (s *Service) RecordRipenessAnalysis(ctx context.Context, crateID string, result map[string]any) (*RecordResult, error) {
	if crateID == "" {
		return nil, fmt.Errorf("crate_id is required")
	}
	return s.record(ctx, txstore.KindRipenessAnalysis, map[string]any{
		"crate_id": crateID,
		"analysis": result,
	})
}

// CreateShipmentRecord records a new shipment. A shipment_id is generated
// when the caller does not supply one.
func (s *Service) CreateShipmentRecord(ctx context.Context, data map[string]any) (*RecordResult, error) {
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	if _, ok := payload["shipment_id"]; !ok {
		payload["shipment_id"] = uuid.NewString()
	}
	return s.record(ctx, txstore.KindShipmentCreation, payload)
}

// UpdateShipmentStatus records a status change for an existing shipment.
// location is optional coordinates.
func (s *Service) UpdateShipmentStatus(ctx context.Context, shipmentID, status string, location map[string]any) (*RecordResult, error) {
	if shipmentID == "" || status == "" {
		return nil, fmt.Errorf("shipment_id and status are required")
	}
	payload := map[string]any{
		"shipment_id": shipmentID,
		"status":      status,
	}
	if location != nil {
		payload["location"] = location
	}
	return s.record(ctx, txstore.KindShipmentUpdate, payload)
}

// RecordQualityCheck records quality check results for a shipment.
func (s *Service) RecordQualityCheck(ctx context.Context, shipmentID string, data map[string]any) (*RecordResult, error) {
	if shipmentID == "" {
		return nil, fmt.Errorf("shipment_id is required")
	}
	return s.record(ctx, txstore.KindQualityCheck, map[string]any{
		"shipment_id":  shipmentID,
		"quality_data": data,
	})
}

// record runs the full pipeline for a single transaction: stamp, normalize,
// hash, sign, encrypt, anchor, submit. Canonicalization failures are fatal
// to the call; everything downstream converts into the retry path.
func (s *Service) record(ctx context.Context, kind txstore.Kind, payload map[string]any) (*RecordResult, error) {
	payload, err := s.stampAndNormalize(kind, payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.buildTransaction(payload)
	if err != nil {
		hash, _ := s.engine.HashTransaction(payload)
		s.queue.Enqueue(kind, hash, payload, err)
		s.recordOutcome(kind, StatusQueuedForRetry)
		return &RecordResult{Hash: hash, Status: StatusQueuedForRetry}, nil
	}

	s.totalEvents.Add(1)

	if err := s.submit(ctx, tx); err != nil {
		s.queue.Enqueue(kind, tx.Hash, payload, err)
		s.recordOutcome(kind, StatusQueuedForRetry)
		return &RecordResult{Hash: tx.Hash, Status: StatusQueuedForRetry}, nil
	}

	s.recordOutcome(kind, StatusSubmitted)
	return &RecordResult{Hash: tx.Hash, Status: StatusSubmitted}, nil
}

// recordBatched holds a fully built sensor transaction until the batch
// threshold is reached, then flushes the whole batch. Each member is
// submitted independently: partial success is normal.
func (s *Service) recordBatched(ctx context.Context, kind txstore.Kind, payload map[string]any) (*RecordResult, error) {
	payload, err := s.stampAndNormalize(kind, payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.buildTransaction(payload)
	if err != nil {
		hash, _ := s.engine.HashTransaction(payload)
		s.queue.Enqueue(kind, hash, payload, err)
		s.recordOutcome(kind, StatusQueuedForRetry)
		return &RecordResult{Hash: hash, Status: StatusQueuedForRetry}, nil
	}

	s.totalEvents.Add(1)

	s.batchMu.Lock()
	s.batch = append(s.batch, tx)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if full {
		s.FlushBatch(ctx)
	}

	s.recordOutcome(kind, StatusBatched)
	return &RecordResult{Hash: tx.Hash, Status: StatusBatched}, nil
}

// FlushBatch submits every accumulated sensor transaction. Failures go to
// the retry queue; the rest of the batch is unaffected.
func (s *Service) FlushBatch(ctx context.Context) {
	s.batchMu.Lock()
	batch := s.batch
	s.batch = nil
	s.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	submitted := 0
	for _, tx := range batch {
		if err := s.submit(ctx, tx); err != nil {
			plain, decErr := s.decryptPayload(tx)
			if decErr != nil {
				plain = tx.Payload
			}
			s.queue.Enqueue(tx.Kind, tx.Hash, plain, err)
			continue
		}
		submitted++
	}

	s.logger.Info("sensor batch flushed",
		zap.Int("size", len(batch)),
		zap.Int("submitted", submitted),
	)
}

// stampAndNormalize attaches the type and timestamp fields and round-trips
// the payload through JSON so that hashing, signing, and later decryption
// all operate on identical canonical value representations.
func (s *Service) stampAndNormalize(kind txstore.Kind, payload map[string]any) (map[string]any, error) {
	stamped := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["type"] = string(kind)
	stamped["timestamp"] = txstore.Now()

	data, err := cryptoengine.CanonicalJSON(stamped)
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoengine.ErrEncoding, err)
	}
	return normalized, nil
}

// buildTransaction computes hash and signature over the plaintext payload
// and encrypts sensitive fields. The Merkle root is not set here: batched
// and racing transactions would snapshot a prefix missing each other, so
// anchoring is deferred to the moment the transaction enters the store.
func (s *Service) buildTransaction(payload map[string]any) (*txstore.Transaction, error) {
	hash, err := s.engine.HashTransaction(payload)
	if err != nil {
		return nil, err
	}

	sig, fingerprint, err := s.engine.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	stored, encrypted, err := s.encryptSensitiveFields(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt sensitive fields: %w", err)
	}

	return &txstore.Transaction{
		Kind:            txstore.Kind(payload["type"].(string)),
		Payload:         stored,
		Timestamp:       payload["timestamp"].(string),
		Hash:            hash,
		Signature:       sig,
		SignedBy:        fingerprint,
		EncryptedFields: encrypted,
	}, nil
}

// submit forwards tx to the remote chain (with timeout) in remote mode, and
// always anchors it into the local store: authoritative in local mode, a
// TTL-bounded query cache in remote mode. The upstream computes its own
// anchor on ingest, so the forwarded copy carries no Merkle root yet.
func (s *Service) submit(ctx context.Context, tx *txstore.Transaction) error {
	if s.cfg.Mode == ModeRemote {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()
		if err := s.chain.Submit(callCtx, tx); err != nil {
			return fmt.Errorf("%w: %v", ErrSubmission, err)
		}
	}
	s.anchor(tx)
	s.archiveAppend(ctx, tx)
	return nil
}

// encryptSensitiveFields walks the payload and seals every value whose key
// matches the sensitivity heuristic. The returned field list holds the
// dotted paths of sealed values.
func (s *Service) encryptSensitiveFields(payload map[string]any) (map[string]any, []string, error) {
	if s.encKey == nil {
		return payload, nil, nil
	}
	var encrypted []string
	out, err := s.encryptWalk(payload, "", &encrypted)
	if err != nil {
		return nil, nil, err
	}
	return out, encrypted, nil
}

func (s *Service) encryptWalk(m map[string]any, prefix string, encrypted *[]string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if isSensitiveKey(k) {
			sealed, err := s.sealValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = sealed
			*encrypted = append(*encrypted, path)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			sub, err := s.encryptWalk(nested, path, encrypted)
			if err != nil {
				return nil, err
			}
			out[k] = sub
			continue
		}
		out[k] = v
	}
	return out, nil
}

func isSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// sealValue encrypts the JSON encoding of v with a fresh nonce.
func (s *Service) sealValue(v any) (map[string]any, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoengine.ErrEncoding, err)
	}
	ciphertext, nonce, err := cryptoengine.Encrypt(plain, s.encKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
		"nonce":      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// decryptPayload restores the plaintext payload of a stored transaction.
// Transactions without encrypted fields are returned as-is.
func (s *Service) decryptPayload(tx *txstore.Transaction) (map[string]any, error) {
	if len(tx.EncryptedFields) == 0 {
		return tx.Payload, nil
	}
	if s.encKey == nil {
		return nil, fmt.Errorf("%w: no encryption key configured", cryptoengine.ErrIntegrity)
	}

	plain, err := deepCopyMap(tx.Payload)
	if err != nil {
		return nil, err
	}
	for _, path := range tx.EncryptedFields {
		if err := s.openValueAt(plain, strings.Split(path, ".")); err != nil {
			return nil, err
		}
	}
	return plain, nil
}

func (s *Service) openValueAt(m map[string]any, path []string) error {
	for len(path) > 1 {
		next, ok := m[path[0]].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: missing encrypted field %q", cryptoengine.ErrIntegrity, path[0])
		}
		m, path = next, path[1:]
	}

	sealed, ok := m[path[0]].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: field %q is not sealed", cryptoengine.ErrIntegrity, path[0])
	}
	ciphertext, err1 := base64.StdEncoding.DecodeString(asString(sealed["ciphertext"]))
	nonce, err2 := base64.StdEncoding.DecodeString(asString(sealed["nonce"]))
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%w: malformed sealed field %q", cryptoengine.ErrIntegrity, path[0])
	}

	plain, err := cryptoengine.Decrypt(ciphertext, nonce, s.encKey)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		return fmt.Errorf("%w: sealed field %q does not decode", cryptoengine.ErrIntegrity, path[0])
	}
	m[path[0]] = v
	return nil
}

func asString(v any) string {
	sv, _ := v.(string)
	return sv
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoengine.ErrEncoding, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoengine.ErrEncoding, err)
	}
	return out, nil
}
