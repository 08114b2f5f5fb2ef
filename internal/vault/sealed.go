package vault

import (
	"encoding/hex"
	"strings"

	dErrors "enrollo/pkg/domain-errors"
)

// Sealed is one encrypted credential record.
type Sealed struct {
	Ciphertext []byte
	AuthTag    []byte
	IV         []byte
}

// Blob renders the stored form: hex(ciphertext) ":" hex(auth_tag).
// The IV is stored separately (see IVHex).
func (s *Sealed) Blob() string {
	return hex.EncodeToString(s.Ciphertext) + ":" + hex.EncodeToString(s.AuthTag)
}

// IVHex renders the nonce for its own column.
func (s *Sealed) IVHex() string {
	return hex.EncodeToString(s.IV)
}

// ParseSealed rebuilds a Sealed from its stored blob and IV columns.
func ParseSealed(blob, ivHex string) (*Sealed, error) {
	ctHex, tagHex, ok := strings.Cut(blob, ":")
	if !ok {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "malformed credential blob")
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "malformed credential ciphertext")
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "malformed credential auth tag")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "malformed credential iv")
	}
	return &Sealed{Ciphertext: ct, AuthTag: tag, IV: iv}, nil
}
