// Package secret seals passwords into opaque placeholders that can only be
// opened with the configured passphrase.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks a sealed value.
const Prefix = "$KPQ;1;"

const (
	saltSize    = 16
	argonTime   = 1
	argonMemory = 64 * 1024
	argonLanes  = 4
)

var (
	ErrNotSealed = errors.New("secret: value is not sealed")
	ErrOpen      = errors.New("secret: cannot open sealed value")
)

// Sealer encrypts values with a key derived from a passphrase. Every value
// gets a fresh salt, so sealing the same plaintext twice differs.
type Sealer struct {
	passphrase []byte
}

// NewSealer returns a Sealer for passphrase, which must not be empty.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("secret: empty passphrase")
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

func (s *Sealer) key(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonLanes, chacha20poly1305.KeySize)
}

// Seal returns the placeholder for plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize, saltSize+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secret: salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", fmt.Errorf("secret: cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}

	out := append(salt, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte(Prefix))
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if len(raw) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: truncated", ErrOpen)
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := raw[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", fmt.Errorf("secret: cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether v looks like a sealed placeholder.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}
