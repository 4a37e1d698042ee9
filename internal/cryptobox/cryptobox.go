// Package cryptobox provides authenticated symmetric encryption of refresh
// tokens at rest, with a per-tenant key derived from one master secret.
//
// Grounded in other_examples/atoms-tech-atomsAgent's lib/redis/token_cache.go
// (AES-GCM token encryption) and the teacher repo's transitive
// golang.org/x/crypto dependency, promoted here to a direct one for HKDF.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// blobVersion is the leading byte of every ciphertext blob, so a future
	// key-rotation scheme can change the derivation without breaking old
	// records still being decrypted during a rolling re-encrypt.
	blobVersion byte = 1

	kdfSalt = "tenant-key-v1"

	keySize   = 32 // AES-256
	nonceSize = 12 // 96 bits, per call
)

// ErrDecryptionFailed is returned when the authentication tag does not
// verify: a tampered nonce, tag, or ciphertext byte.
var ErrDecryptionFailed = errors.New("cryptobox: decryption failed")

// ErrMasterKeySize is returned by New when the master key is not 32 bytes.
var ErrMasterKeySize = errors.New("cryptobox: master key must be 32 bytes")

// Box encrypts and decrypts per-tenant secrets using a master key shared by
// the whole broker process. It never logs plaintexts, nonces, or derived
// keys; callers must not either.
type Box struct {
	masterKey [keySize]byte
}

// New constructs a Box from a 32-byte master key. Rotating the master key
// requires re-encrypting every stored record under the new Box; that is an
// operator task performed offline, not an online operation this package
// exposes.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) != keySize {
		return nil, ErrMasterKeySize
	}
	b := &Box{}
	copy(b.masterKey[:], masterKey)
	return b, nil
}

// deriveTenantKey derives a 256-bit AES key for tenantID from the master
// key, using HKDF-SHA256 with a fixed salt and tenant-scoped info string so
// that no two tenants ever share a derived key, and no derived key can be
// recovered from another tenant's ciphertexts.
func (b *Box) deriveTenantKey(tenantID string) ([]byte, error) {
	info := "tenant:" + tenantID
	r := hkdf.New(sha256.New, b.masterKey[:], []byte(kdfSalt), []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cryptobox: derive key: %w", err)
	}
	return key, nil
}

func (b *Box) aead(tenantID string) (cipher.AEAD, error) {
	key, err := b.deriveTenantKey(tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt authenticates and encrypts plaintext under tenantID's derived key.
// A fresh 96-bit nonce is generated per call. The returned blob is
// version || nonce || ciphertext(includes 128-bit tag).
func (b *Box) Encrypt(tenantID string, plaintext []byte) ([]byte, error) {
	gcm, err := b.aead(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(tenantID))

	blob := make([]byte, 0, 1+len(nonce)+len(sealed))
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Decrypt reverses Encrypt. Any tampering with the version byte, nonce, tag,
// or ciphertext bytes causes ErrDecryptionFailed.
func (b *Box) Decrypt(tenantID string, blob []byte) ([]byte, error) {
	if len(blob) < 1+nonceSize {
		return nil, ErrDecryptionFailed
	}
	if blob[0] != blobVersion {
		return nil, ErrDecryptionFailed
	}

	gcm, err := b.aead(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := blob[1 : 1+nonceSize]
	sealed := blob[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
