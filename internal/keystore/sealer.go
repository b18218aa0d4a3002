package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	minMasterSecretLength = 32
	sealerInfo            = "silo-fleet root key sealing v1"
)

var ErrSealedDataInvalid = errors.New("sealed data invalid")

// Sealer encrypts private key material at rest with XChaCha20-Poly1305.
// The encryption key is derived from the configured master secret with
// HKDF-SHA256 so the master secret itself never keys the cipher.
type Sealer struct {
	key []byte
}

func NewSealer(masterSecret []byte) (*Sealer, error) {
	if len(masterSecret) < minMasterSecretLength {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", minMasterSecretLength, len(masterSecret))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(sealerInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext bound to additionalData and returns nonce||ciphertext.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot seal empty data")
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. additionalData must match the value used to seal.
func (s *Sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedDataInvalid
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedDataInvalid, err)
	}
	return plaintext, nil
}
