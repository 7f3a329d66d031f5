package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	signingInfoPrefix = "keygate-signing-v1:"
	storageKEKInfo    = "keygate-kek-v1"
)

// ErrCiphertextTooShort is returned when a sealed value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// GenerateAPIKey returns a new random API key with the given prefix.
func GenerateAPIKey(prefix string) (string, error) {
	raw := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateSecret returns a new random 32-byte signing secret, hex encoded.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// DeriveSigningSecret derives a per-key signing secret from a master key
// using HKDF-SHA256. The result is deterministic for a (master, key) pair.
func DeriveSigningSecret(master []byte, apiKey string) (string, error) {
	if len(master) == 0 {
		return "", errors.New("master key is empty")
	}
	out, err := derive(master, signingInfoPrefix+apiKey)
	if err != nil {
		return "", fmt.Errorf("deriving signing secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// DeriveKEK derives the key-encryption key used to seal secrets at rest.
func DeriveKEK(master []byte) ([]byte, error) {
	kek, err := derive(master, storageKEKInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

func derive(master []byte, info string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext.
func Seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(sealed) < ns {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
