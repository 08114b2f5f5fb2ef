package mandate

import (
	"errors"
	"fmt"
)

// VerificationKind classifies why a mandate token failed verification.
type VerificationKind string

const (
	BadSignature VerificationKind = "bad_signature"
	Expired      VerificationKind = "expired"
	NotYetValid  VerificationKind = "not_yet_valid"
	Revoked      VerificationKind = "revoked"
	Malformed    VerificationKind = "malformed"
)

// Retryable reports whether the caller can recover by obtaining a fresh
// mandate. Signature and format failures indicate tampering and must escalate.
func (k VerificationKind) Retryable() bool {
	return k == Expired || k == NotYetValid
}

// VerificationError is returned by Verify for any token it refuses.
type VerificationError struct {
	Kind   VerificationKind
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "mandate verification failed: " + string(e.Kind)
	}
	return fmt.Sprintf("mandate verification failed: %s: %s", e.Kind, e.Detail)
}

// Verification builds a VerificationError.
func Verification(kind VerificationKind, detail string) *VerificationError {
	return &VerificationError{Kind: kind, Detail: detail}
}

// AsVerification unwraps err into a VerificationError.
func AsVerification(err error) (*VerificationError, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// DenialReason classifies an authorization refusal.
type DenialReason string

const (
	ScopeMismatch  DenialReason = "scope_mismatch"
	AmountExceeded DenialReason = "amount_exceeded"
)

// AuthorizationDenied is returned when a verified mandate does not cover an action.
type AuthorizationDenied struct {
	Reason DenialReason
	Tool   string
	Detail string
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("authorization denied for %s: %s: %s", e.Tool, e.Reason, e.Detail)
}

// AsDenied unwraps err into an AuthorizationDenied.
func AsDenied(err error) (*AuthorizationDenied, bool) {
	var d *AuthorizationDenied
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
