// Package cipher seals account secrets at rest and generates the random
// material (proxy tokens, rotated passwords) the pool hands out.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"sharepool/services/pool/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead

	// MinMasterKeySize is the shortest master key accepted by New.
	MinMasterKeySize = 32

	hkdfInfoSecret = "sharepool/secret-cipher/v1"
)

var ErrInvalidKeyLength = errors.New("cipher: master key too short")

// Sealed is an encrypted secret split into the parts stored in the vault.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Cipher is XChaCha20-Poly1305 keyed from a master key through HKDF-SHA256.
// The 24-byte nonce makes random IVs safe for the life of a key.
type Cipher struct {
	aead stdcipher.AEAD
}

func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, ErrInvalidKeyLength
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfoSecret)), key); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromBase64 decodes a standard base64 master key.
func NewFromBase64(masterKeyB64 string) (*Cipher, error) {
	raw, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("cipher: decode master key: %w", err)
	}
	return New(raw)
}

// Encrypt seals plaintext with a fresh random IV. ad is bound to the
// ciphertext (the vault passes the account id) and must be presented again
// on Decrypt.
func (c *Cipher) Encrypt(plaintext, ad []byte) (Sealed, error) {
	if len(plaintext) == 0 {
		return Sealed{}, fmt.Errorf("%w: empty secret", domain.ErrValidation)
	}
	nonce := make([]byte, NonceSize)
	if err := readRandom(nonce); err != nil {
		return Sealed{}, fmt.Errorf("cipher: nonce: %w", err)
	}
	out := c.aead.Seal(nil, nonce, plaintext, ad)
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a sealed secret. Any authentication failure is reported as
// domain.ErrIntegrity and no plaintext is returned.
func (c *Cipher) Decrypt(s Sealed, ad []byte) ([]byte, error) {
	if len(s.IV) != NonceSize || len(s.AuthTag) != TagSize {
		return nil, fmt.Errorf("%w: malformed envelope", domain.ErrIntegrity)
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)
	plain, err := c.aead.Open(nil, s.IV, buf, ad)
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	return plain, nil
}

// Wipe zeroes b. Callers use it on transient plaintext copies.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
