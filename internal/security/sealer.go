package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the sealing key in bytes
const KeySize = chacha20poly1305.KeySize

// Sealer encrypts sensitive report fields and derives keyed hashes
type Sealer struct {
	aead cipher.AEAD
	key  []byte
}

// NewSealer creates a sealer from a 32-byte key
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead, key: append([]byte(nil), key...)}, nil
}

// KeyFromHex decodes a hex-encoded key. An empty string yields a random key,
// which makes sealed values unreadable after a restart.
func KeyFromHex(s string) (key []byte, generated bool, err error) {
	if s == "" {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("failed to generate key: %w", err)
		}
		return key, true, nil
	}
	key, err = hex.DecodeString(s)
	if err != nil {
		return nil, false, fmt.Errorf("invalid security key: %w", err)
	}
	if len(key) != KeySize {
		return nil, false, fmt.Errorf("invalid security key: want %d bytes, got %d", KeySize, len(key))
	}
	return key, false, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the ciphertext
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

// Hash returns the hex BLAKE2b-256 digest of value keyed with the sealing key
func (s *Sealer) Hash(value string) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// key length is checked by NewSealer
		panic(err)
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
