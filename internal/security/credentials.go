package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	SealedPrefix = "enc:"

	credentialKeyInfo = "sniper proxy credentials v1"
)

var ErrNoSealKey = errors.New("security: credential key not configured")

// Sealer encrypts proxy credentials before they are written to the shared
// store. A nil *Sealer stores values in the clear and still opens sealed
// values with an error, never silently.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256 key from rawKey. An empty key yields a nil
// sealer.
func NewSealer(rawKey string) (*Sealer, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, nil
	}

	key, err := deriveKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Sealer{gcm: gcm}, nil
}

func deriveKey(raw string) ([]byte, error) {
	secret := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= 16 {
		secret = decoded
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, secret, nil, []byte(credentialKeyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal returns the sealed form of plain. Empty values stay empty.
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" || s == nil {
		return plain, nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := s.gcm.Seal(nonce, nonce, []byte(plain), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as they
// are with plain set.
func (s *Sealer) Open(value string) (clear string, plain bool, err error) {
	if !IsSealed(value) {
		return value, true, nil
	}
	if s == nil {
		return "", false, ErrNoSealKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", false, fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", false, errors.New("ciphertext too short")
	}

	opened, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(opened), false, nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
