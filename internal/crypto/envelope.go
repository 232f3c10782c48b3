// Package crypto seals browser session state into AES-256-GCM envelopes.
//
// Envelope layout: keyIDLen(1) || key_id || iv(12) || ciphertext || tag(16).
// The key id travels in cleartext so rotated keys can still open old
// envelopes; everything after the iv is authenticated.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const keySize = 32 // AES-256

var (
	// ErrDecryptFailed indicates a tampered, truncated, or foreign envelope.
	ErrDecryptFailed = errors.New("envelope decryption failed")

	// ErrUnknownKeyID indicates the envelope references a key not in the ring.
	ErrUnknownKeyID = errors.New("unknown encryption key id")
)

// Crypter seals and opens envelopes against a ring of named keys.
// New envelopes are always sealed with the primary key.
type Crypter struct {
	primaryID string
	ring      map[string][]byte
}

// NewCrypter builds a crypter from a base64-encoded 32-byte primary key.
// When keyID is empty, the key's BLAKE2b fingerprint is used.
func NewCrypter(primaryKeyBase64, keyID string) (*Crypter, error) {
	key, err := base64.StdEncoding.DecodeString(primaryKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	if keyID == "" {
		keyID = KeyFingerprint(key)
	}
	if len(keyID) > 255 {
		return nil, fmt.Errorf("key id too long: %d bytes", len(keyID))
	}

	return &Crypter{
		primaryID: keyID,
		ring:      map[string][]byte{keyID: key},
	}, nil
}

// AddKey registers an additional (retired) key for decrypt-only use.
func (c *Crypter) AddKey(keyID string, key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	if len(keyID) == 0 || len(keyID) > 255 {
		return fmt.Errorf("invalid key id %q", keyID)
	}
	c.ring[keyID] = key
	return nil
}

// PrimaryKeyID returns the key id stamped onto new envelopes.
func (c *Crypter) PrimaryKeyID() string { return c.primaryID }

// Encrypt seals plaintext with the primary key and a fresh random nonce.
// Two encryptions of the same plaintext produce different envelopes.
func (c *Crypter) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead(c.ring[c.primaryID])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	envelope := make([]byte, 0, 1+len(c.primaryID)+len(nonce)+len(plaintext)+gcm.Overhead())
	envelope = append(envelope, byte(len(c.primaryID)))
	envelope = append(envelope, c.primaryID...)
	envelope = append(envelope, nonce...)
	envelope = gcm.Seal(envelope, nonce, plaintext, nil)
	return envelope, nil
}

// Decrypt opens an envelope using the key named in its header.
// Any bit flip in the envelope fails deterministically with ErrDecryptFailed.
func (c *Crypter) Decrypt(envelope []byte) ([]byte, error) {
	keyID, rest, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	key, ok := c.ring[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}

	gcm, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecryptFailed
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if plaintext == nil {
		// Open returns nil for an empty plaintext; keep the round trip exact.
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EnvelopeKeyID extracts the key id from an envelope without decrypting it.
func EnvelopeKeyID(envelope []byte) (string, error) {
	keyID, _, err := splitEnvelope(envelope)
	return keyID, err
}

func splitEnvelope(envelope []byte) (keyID string, rest []byte, err error) {
	if len(envelope) < 2 {
		return "", nil, ErrDecryptFailed
	}
	idLen := int(envelope[0])
	if idLen == 0 || len(envelope) < 1+idLen {
		return "", nil, ErrDecryptFailed
	}
	return string(envelope[1 : 1+idLen]), envelope[1+idLen:], nil
}

func (c *Crypter) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// KeyFingerprint returns a short BLAKE2b-derived identifier for a key,
// safe to log and to embed in envelope headers.
func KeyFingerprint(key []byte) string {
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:6])
}
