// Package vault seals third-party login and payment credentials at rest.
//
// Records are JSON-encoded and encrypted with AES-256-GCM. The key is derived
// once from an operator secret with scrypt and a fixed application salt. Every
// Seal draws a fresh random nonce that is stored next to the ciphertext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	dErrors "enrollo/pkg/domain-errors"
)

// MinSecretLength is the shortest operator secret accepted at boot.
const MinSecretLength = 32

const (
	keyLength = 32
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
)

// appSalt is fixed per application so the same secret always yields the same key.
var appSalt = []byte("enrollo/credential-vault/v1")

// Vault encrypts and decrypts credential records.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// Option configures a Vault.
type Option func(*Vault)

// WithRandom overrides the nonce source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		if r != nil {
			v.rand = r
		}
	}
}

// New derives the vault key from secret. Secrets shorter than
// MinSecretLength are rejected.
func New(secret string, opts ...Option) (*Vault, error) {
	if len(secret) < MinSecretLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("vault secret must be at least %d bytes", MinSecretLength))
	}
	key, err := scrypt.Key([]byte(secret), appSalt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	v := &Vault{aead: aead, rand: rand.Reader}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Seal encrypts the JSON encoding of record under a fresh nonce.
func (v *Vault) Seal(record any) (*Sealed, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode credential record: %w", err)
	}

	iv := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := v.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - v.aead.Overhead()
	return &Sealed{
		Ciphertext: out[:split],
		AuthTag:    out[split:],
		IV:         iv,
	}, nil
}

// Unseal decrypts sealed into out. Any tag mismatch (tampering or wrong key)
// is a hard failure with CodeDecryptionFailed; out is left untouched.
func (v *Vault) Unseal(sealed *Sealed, out any) error {
	if sealed == nil || len(sealed.IV) != v.aead.NonceSize() || len(sealed.AuthTag) != v.aead.Overhead() {
		return ErrDecryptionFailed
	}

	combined := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.AuthTag))
	combined = append(combined, sealed.Ciphertext...)
	combined = append(combined, sealed.AuthTag...)

	plaintext, err := v.aead.Open(nil, sealed.IV, combined, nil)
	if err != nil {
		return ErrDecryptionFailed
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "decode credential record")
	}
	return nil
}

// ErrDecryptionFailed is returned for every authentication failure.
var ErrDecryptionFailed = dErrors.New(dErrors.CodeDecryptionFailed, "credential authentication failed")
