// Package cryptoutil provides the two credential primitives the gateway
// needs: reversible AES-256-GCM encryption for upstream credentials (and,
// when ALLOW_KEY_REVEAL is set, stored API keys), and one-way bcrypt
// hashing for verifying presented API keys without storing them in the
// clear.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// ErrCiphertextTooShort is returned when Decrypt is given fewer bytes than
// the AEAD nonce size.
var ErrCiphertextTooShort = errors.New("cryptoutil: ciphertext shorter than nonce")

// Encryptor encrypts and decrypts upstream credentials and, optionally,
// revealed API keys with AES-256-GCM. The nonce is prepended to the
// ciphertext on Encrypt and stripped back off on Decrypt.
type Encryptor struct {
	gcm cipher.AEAD
}

// New builds an Encryptor from a 32-byte key. Returns an error if the key
// is not exactly 32 bytes (AES-256).
func New(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoutil: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// NewFromEnv builds an Encryptor from the base64-encoded key in the named
// environment variable (defaults to ENCRYPTION_KEY).
func NewFromEnv(envVar string) (*Encryptor, error) {
	if envVar == "" {
		envVar = "ENCRYPTION_KEY"
	}
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("cryptoutil: %s not set", envVar)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode %s: %w", envVar, err)
	}
	return New(key)
}

// Encrypt seals plaintext with a fresh random nonce, returning nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: read nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// EncryptString is Encrypt for string credentials, base64-encoding the result.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	ct, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	ns := e.gcm.NonceSize()
	if len(data) < ns {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := data[:ns], data[ns:]
	return e.gcm.Open(nil, nonce, ct, nil)
}

// DecryptString is Decrypt for base64-encoded blobs produced by EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decode base64: %w", err)
	}
	pt, err := e.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// HashKey bcrypt-hashes a presented API key for storage.
func HashKey(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: hash key: %w", err)
	}
	return string(h), nil
}

// VerifyKey reports whether plaintext matches the stored bcrypt hash.
func VerifyKey(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
