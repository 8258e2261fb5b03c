// Package security provides at-rest key derivation and symmetric encryption
// for the append-only log (§6.3). Asymmetric/quantum-resistant primitives
// live in internal/crypto/pqc; this package only handles deriving a
// per-node AES key from an operator-supplied secret and sealing log
// segments with it.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// LogEncryption derives keys and seals/opens append-only log segments.
type LogEncryption struct {
	iterations int
	keyLength  int
}

// NewLogEncryption returns a LogEncryption with the engine's default KDF
// parameters.
func NewLogEncryption() *LogEncryption {
	return &LogEncryption{
		iterations: 100000,
		keyLength:  32,
	}
}

// DeriveKey derives a 256-bit AES key from an operator secret and salt.
func (l *LogEncryption) DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key(
		[]byte(secret),
		salt,
		l.iterations,
		l.keyLength,
		sha256.New,
	)
}

// EncryptLog seals a log segment with AES-GCM, prefixing the nonce to the
// returned ciphertext.
func (l *LogEncryption) EncryptLog(data []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return ciphertext, nil
}

// DecryptLog opens a log segment sealed by EncryptLog.
func (l *LogEncryption) DecryptLog(sealed []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// GenerateSalt returns a fresh random salt for DeriveKey.
func (l *LogEncryption) GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncodeKey encodes a key to base64 for storage alongside the log.
func (l *LogEncryption) EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// DecodeKey decodes a base64-encoded key.
func (l *LogEncryption) DecodeKey(encoded string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(encoded)
}
