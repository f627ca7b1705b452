package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrIntegrity marks a ciphertext whose authentication tag failed to
// verify: wrong key, tampered ciphertext, or tampered nonce. Decryption
// never returns corrupted plaintext without this error.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

const (
	// pbkdf2Iterations is the PBKDF2 work factor. High enough to resist
	// offline brute force on the derived field-encryption key.
	pbkdf2Iterations = 310_000

	saltSize = 32
	keySize  = 32 // AES-256
)

// Encrypt seals plaintext with AES-256-GCM under key, using a fresh random
// nonce per call. key must be 32 bytes (see DeriveKey).
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM ciphertext. It returns ErrIntegrity when the
// authentication tag does not verify.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIntegrity, len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte AES-256 key from secret and salt using
// PBKDF2-HMAC-SHA512 with 310k iterations.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keySize, sha512.New)
}

// NewSalt returns a fresh 32-byte random salt. Salts are never reused
// across derivations.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
