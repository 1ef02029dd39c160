package queue

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"fitsync/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize          = 32 // AES-256
	nonceSize        = 12
	pbkdf2Iterations = 100000
	minSecretLength  = 32

	encryptionEnabledEnv = "FITSYNC_ENABLE_ENCRYPTION"
	encryptionSecretEnv  = "FITSYNC_ENCRYPTION_SECRET"

	// encryptedPrefix marks payloads written while encryption was enabled so
	// plaintext rows from before the switch stay readable.
	encryptedPrefix = "enc:v1:"
)

// Encryptor seals action payloads at rest with AES-GCM. A disabled encryptor
// passes payloads through unchanged.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an encryptor from the environment. Encryption is off
// unless FITSYNC_ENABLE_ENCRYPTION is "true".
func NewEncryptor() (*Encryptor, error) {
	if !isEncryptionEnabled() {
		return &Encryptor{}, nil
	}

	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// Enabled reports whether payloads are sealed
func (e *Encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

// Seal encrypts a payload for storage
func (e *Encryptor) Seal(payload []byte) (string, error) {
	if !e.Enabled() || len(payload) == 0 {
		return string(payload), nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, payload, nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Open decrypts a stored payload. Values without the encryption marker are
// returned as is.
func (e *Encryptor) Open(stored string) ([]byte, error) {
	if len(stored) < len(encryptedPrefix) || stored[:len(encryptedPrefix)] != encryptedPrefix {
		return []byte(stored), nil
	}
	if !e.Enabled() {
		return nil, fmt.Errorf("payload is encrypted but %s is not set", encryptionEnabledEnv)
	}

	data, err := base64.StdEncoding.DecodeString(stored[len(encryptedPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv(encryptionSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", encryptionSecretEnv)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), pbkdf2Iterations, keySize, sha256.New), nil
}

func isEncryptionEnabled() bool {
	return os.Getenv(encryptionEnabledEnv) == "true"
}
