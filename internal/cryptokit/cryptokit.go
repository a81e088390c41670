// Package cryptokit derives session key material from a shared password
// and provides the chunk-level AEAD and challenge-response primitives
// the auth handshake and file transfer protocol build on.
package cryptokit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultSalt is the fixed domain-separation salt used when the
	// caller does not supply a room-scoped one.
	DefaultSalt = "dropsync-v1-salt"

	kdfIterations = 100_000
	keySize       = 32 // AES-256
	nonceSize     = 12 // 96-bit GCM nonce
)

// ErrDecryptionFailed is returned by DecryptChunk on any authentication
// failure. Callers must treat this as fatal for the transfer (§4.1).
var ErrDecryptionFailed = errors.New("decryption-failed")

// DeriveKey derives a 256-bit key from password and salt via
// PBKDF2-HMAC-SHA256 with 100,000 iterations.
func DeriveKey(password, salt string) []byte {
	return pbkdf2.Key([]byte(password), []byte(salt), kdfIterations, keySize, sha256.New)
}

// aeadKey and hmacKey are derived under distinct salts so the same
// password never yields identical AEAD and MAC keys.
func aeadKey(password string) []byte {
	return DeriveKey(password, DefaultSalt+"-aead")
}

func hmacKey(password string) []byte {
	return DeriveKey(password, DefaultSalt+"-hmac")
}

// EncryptChunk encrypts plaintext under a key derived from password.
// The output layout is nonce ‖ AEAD(plaintext), with a fresh random
// 96-bit nonce per call.
func EncryptChunk(plaintext []byte, password string) ([]byte, error) {
	block, err := aes.NewCipher(aeadKey(password))
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptokit: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptChunk splits the first 12 bytes of ciphertext as the nonce and
// authenticates+decrypts the remainder under a key derived from
// password. Any failure is ErrDecryptionFailed.
func DecryptChunk(ciphertext []byte, password string) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(aeadKey(password))
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: new gcm: %w", err)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SignChallenge computes HMAC-SHA256(nonce) under a password-derived MAC key.
func SignChallenge(nonce []byte, password string) []byte {
	mac := hmac.New(sha256.New, hmacKey(password))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// VerifyChallenge constant-time-compares mac against the expected MAC
// of nonce under password. It never short-circuits on byte mismatch.
func VerifyChallenge(nonce, mac []byte, password string) bool {
	expected := SignChallenge(nonce, password)
	return hmac.Equal(expected, mac)
}

// NewNonce returns 32 cryptographically random bytes, suitable as an
// auth challenge nonce (§4.5 rule 4).
func NewNonce() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("cryptokit: generate nonce: %w", err)
	}
	return b, nil
}
