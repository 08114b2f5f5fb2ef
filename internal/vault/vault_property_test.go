//go:build property

package vault

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Unseal(Seal(x)) == x for any record, and any single bit flip in
// ciphertext or tag is rejected.
func TestVaultProperties(t *testing.T) {
	v, err := New(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip is canonical", prop.ForAll(
		func(email, password string) bool {
			in := loginRecord{Email: email, Password: password}
			sealed, err := v.Seal(in)
			if err != nil {
				return false
			}
			var out loginRecord
			if err := v.Unseal(sealed, &out); err != nil {
				return false
			}
			return out == in
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("bit flips never decrypt", prop.ForAll(
		func(payload string, pos int, bit uint8) bool {
			sealed, err := v.Seal(loginRecord{Password: payload})
			if err != nil {
				return false
			}
			tampered := cloneSealed(sealed)
			mask := byte(1) << (bit % 8)
			total := len(tampered.Ciphertext) + len(tampered.AuthTag)
			i := pos % total
			if i < len(tampered.Ciphertext) {
				tampered.Ciphertext[i] ^= mask
			} else {
				tampered.AuthTag[i-len(tampered.Ciphertext)] ^= mask
			}
			var out loginRecord
			return v.Unseal(tampered, &out) != nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
