// Package crypto seals the locally persisted session with AES-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEmptyPassphrase   = errors.New("empty passphrase")
	ErrShortSalt         = errors.New("salt must be at least 16 bytes")
)

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32

	// SaltLen is the salt size produced by GenerateSalt.
	SaltLen = 16
)

// Encryptor seals and opens data with AES-GCM. The nonce is prepended to
// every sealed payload.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an Encryptor for a 16, 24 or 32 byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromBase64 creates an Encryptor from a base64-encoded key.
func NewEncryptorFromBase64(keyB64 string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return NewEncryptor(key)
}

// NewEncryptorFromPassphrase derives an AES-256 key from passphrase and salt.
func NewEncryptorFromPassphrase(passphrase string, salt []byte) (*Encryptor, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// DeriveKey stretches passphrase into a 32-byte key with Argon2id.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) < SaltLen {
		return nil, ErrShortSalt
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen), nil
}

// Seal encrypts plaintext, binding it to aad.
func (e *Encryptor) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a payload produced by Seal with the same aad.
func (e *Encryptor) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(sealed) < nonceSize+e.gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateSalt returns SaltLen random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// GenerateKeyBase64 returns a random AES-256 key, base64-encoded.
func GenerateKeyBase64() (string, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
