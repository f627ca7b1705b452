// Package cryptoengine implements the cryptographic core of the FreshChain
// ledger: RSA-PSS signing with periodic key rotation, SHA3-512 transaction
// digests, Merkle-root computation over ordered transaction sets, AES-GCM
// field encryption, and PBKDF2 key derivation.
//
// The engine owns exactly one active key pair at a time. Rotation swaps in a
// fresh pair under an exclusive lock and retains a bounded number of retired
// generations so signatures issued before a rotation stay verifiable.
package cryptoengine

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	keyBits = 4096

	// DefaultKeyGenerations is how many retired key generations the engine
	// keeps for verifying historical signatures.
	DefaultKeyGenerations = 3

	// memoCacheSize bounds each of the hash and Merkle memoization caches.
	memoCacheSize = 1000
)

// KeyMaterial is one key generation. The private half never leaves the
// engine; callers see only the public key and its fingerprint.
type KeyMaterial struct {
	private     *rsa.PrivateKey
	Public      *rsa.PublicKey
	Fingerprint string
	GeneratedAt time.Time
}

// Engine holds the active key material and the memoization caches.
// All methods are safe for concurrent use.
type Engine struct {
	mu          sync.RWMutex
	active      *KeyMaterial
	retired     []*KeyMaterial // newest first, capped at generations
	generations int

	hashCache   *lru.Cache[string, string]
	merkleCache *lru.Cache[string, string]
}

// New creates an Engine with a freshly generated key pair. generations
// controls how many retired key generations remain available for
// verification; values below 1 fall back to DefaultKeyGenerations.
func New(generations int) (*Engine, error) {
	if generations < 1 {
		generations = DefaultKeyGenerations
	}

	hc, err := lru.New[string, string](memoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	mc, err := lru.New[string, string](memoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create merkle cache: %w", err)
	}

	e := &Engine{
		generations: generations,
		hashCache:   hc,
		merkleCache: mc,
	}
	if _, err := e.GenerateKeyPair(); err != nil {
		return nil, err
	}
	return e, nil
}

// GenerateKeyPair produces a new 4096-bit RSA key pair and makes it the
// active key material. The previous active pair, if any, is retired.
func (e *Engine) GenerateKeyPair() (*KeyMaterial, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	km := &KeyMaterial{
		private:     key,
		Public:      &key.PublicKey,
		Fingerprint: Fingerprint(&key.PublicKey),
		GeneratedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.retired = append([]*KeyMaterial{e.active}, e.retired...)
		if len(e.retired) > e.generations {
			e.retired = e.retired[:e.generations]
		}
	}
	e.active = km
	return km, nil
}

// RotateKeys atomically replaces the active key material and returns the
// public key that was active before the swap, so dependents can keep
// verifying signatures already issued under it.
func (e *Engine) RotateKeys() (*rsa.PublicKey, error) {
	e.mu.RLock()
	old := e.active.Public
	e.mu.RUnlock()

	if _, err := e.GenerateKeyPair(); err != nil {
		return nil, fmt.Errorf("rotate keys: %w", err)
	}
	return old, nil
}

// ActiveKey returns the currently active key material.
func (e *Engine) ActiveKey() *KeyMaterial {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// KeyByFingerprint resolves a public key among the active and retired
// generations. The second return is false when the generation has been
// discarded.
func (e *Engine) KeyByFingerprint(fp string) (*rsa.PublicKey, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active.Fingerprint == fp {
		return e.active.Public, true
	}
	for _, km := range e.retired {
		if km.Fingerprint == fp {
			return km.Public, true
		}
	}
	return nil, false
}

// Sign signs the canonical serialization of payload with the active private
// key using RSA-PSS over SHA-512. PSS salting is randomized, so repeated
// signs of the same payload yield distinct signatures. The returned
// fingerprint identifies the key generation that produced the signature.
func (e *Engine) Sign(payload map[string]any) (sig []byte, fingerprint string, err error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return nil, "", err
	}
	digest := sha512.Sum512(data)

	e.mu.RLock()
	defer e.mu.RUnlock()

	sig, err = rsa.SignPSS(rand.Reader, e.active.private, crypto.SHA512, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sign payload: %w", err)
	}
	return sig, e.active.Fingerprint, nil
}

// Verify reports whether sig is a valid signature of payload under pub.
// It never returns an error: any failure, including a payload that cannot
// be canonicalized, yields false.
func (e *Engine) Verify(payload map[string]any, sig []byte, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return false
	}
	digest := sha512.Sum512(data)
	err = rsa.VerifyPSS(pub, crypto.SHA512, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	return err == nil
}

// VerifyByFingerprint verifies a signature against the key generation
// identified by fp. A generation no longer retained verifies as false.
func (e *Engine) VerifyByFingerprint(payload map[string]any, sig []byte, fp string) bool {
	pub, ok := e.KeyByFingerprint(fp)
	if !ok {
		return false
	}
	return e.Verify(payload, sig, pub)
}

// ExportPublicKeyPEM encodes the active public key as a PKIX PEM block for
// external verifiers.
func (e *Engine) ExportPublicKeyPEM() (string, error) {
	e.mu.RLock()
	pub := e.active.Public
	e.mu.RUnlock()

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ImportPublicKey parses a PKIX PEM public key produced by
// ExportPublicKeyPEM (or any compatible encoder).
func ImportPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

// Fingerprint returns a short stable identifier for a public key: the first
// 16 hex characters of the SHA-256 of its PKIX DER encoding.
func Fingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16]
}
