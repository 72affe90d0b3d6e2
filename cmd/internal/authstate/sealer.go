package authstate

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts payloads at rest. additionalData binds a payload to its record.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(sealed, additionalData []byte) ([]byte, error)
}

const (
	sealFormatV1  = 0x01
	sealHKDFInfo  = "linkgate authstate v1"
	minSealSecret = 16
)

var errSealedFormat = errors.New("authstate: unsupported sealed format")

// AEADSealer seals with XChaCha20-Poly1305 under a key derived from a secret via HKDF-SHA256.
//
// Format: version(1) | nonce(24) | ciphertext+tag.
type AEADSealer struct {
	aead cipher.AEAD
}

// NewAEADSealer derives the sealing key from secret (at least 16 bytes).
func NewAEADSealer(secret []byte) (*AEADSealer, error) {
	if len(secret) < minSealSecret {
		return nil, fmt.Errorf("authstate: sealing secret too short (min %d bytes)", minSealSecret)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealHKDFInfo)), key); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &AEADSealer{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce.
func (s *AEADSealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+s.aead.Overhead())
	out[0] = sealFormatV1
	if _, err := rand.Read(out[1 : 1+ns]); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[1:1+ns], plaintext, additionalData), nil
}

// Open authenticates and decrypts a payload produced by Seal.
func (s *AEADSealer) Open(sealed, additionalData []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns+s.aead.Overhead() || sealed[0] != sealFormatV1 {
		return nil, errSealedFormat
	}
	out, err := s.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], additionalData)
	if err != nil {
		return nil, err
	}
	if out == nil {
		// An empty plaintext is a stored value, not a missing one.
		out = []byte{}
	}
	return out, nil
}

func credentialsAD(sessionID string) []byte {
	return []byte("creds\x00" + sessionID)
}

func keyAD(sessionID string, typ KeyType, id string) []byte {
	return []byte("key\x00" + sessionID + "\x00" + string(typ) + "\x00" + id)
}
