package cryptoengine

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ErrEncoding marks a payload that cannot be canonicalized. Callers treat it
// as fatal to the single record attempt; it is never retried.
var ErrEncoding = errors.New("payload cannot be canonicalized")

// CanonicalJSON serializes payload deterministically: encoding/json emits
// map keys in sorted order at every nesting level, and number formatting is
// stable for identical values. Two payloads with equal content always
// produce identical bytes.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// HashTransaction computes the hex SHA3-512 digest of the canonical
// serialization of payload. The digest is the transaction's identity: it is
// deterministic for identical content and differs for any field mutation.
// Results are memoized in a bounded LRU keyed by the canonical bytes.
func (e *Engine) HashTransaction(payload map[string]any) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	key := string(data)
	if digest, ok := e.hashCache.Get(key); ok {
		return digest, nil
	}

	digest := sha3Hex(data)
	e.hashCache.Add(key, digest)
	return digest, nil
}

func sha3Hex(data []byte) string {
	h := sha3.New512()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}
