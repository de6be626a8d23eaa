package auth

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	nonceLen     = 24
)

// Fixed salt: the master key is already high-entropy, the KDF only stretches
// it to a secretbox key and separates this use from any other.
var sealSalt = []byte("relay/engine-secret-seal/v1")

// Sealer encrypts small secrets (per-tenant engine credentials) at rest with
// NaCl secretbox under a key derived from the service master key.
type Sealer struct {
	key [keyLen]byte
}

// NewSealer derives the sealing key from masterKey with Argon2id.
func NewSealer(masterKey string) (*Sealer, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("auth: master key must be at least 16 bytes")
	}
	var s Sealer
	copy(s.key[:], argon2.IDKey([]byte(masterKey), sealSalt, argonTime, argonMemory, argonThreads, keyLen))
	return &s, nil
}

// Seal encrypts plaintext. The output is nonce || box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen+secretbox.Overhead {
		return nil, fmt.Errorf("auth: sealed value too short")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], sealed[:nonceLen])
	out, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("auth: open sealed value: authentication failed")
	}
	return out, nil
}

// SealString is Seal for string values; empty input yields nil.
func (s *Sealer) SealString(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	return s.Seal([]byte(v))
}

// OpenString is Open for string values; nil input yields "".
func (s *Sealer) OpenString(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	b, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
