package models

import (
	"slices"
	"strings"
	"time"

	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
)

// Scope names a class of actions a mandate permits.
type Scope string

const (
	ScopeCreateBooking Scope = "create_booking"
	ScopeSuccessFee    Scope = "success_fee"
	ScopeReadAccount   Scope = "read_account"
)

// Known reports whether s is a scope this deployment understands.
func (s Scope) Known() bool {
	switch s {
	case ScopeCreateBooking, ScopeSuccessFee, ScopeReadAccount:
		return true
	}
	return false
}

// Status is the persisted lifecycle state. Expiry is derived from ValidUntil,
// so Expired is only ever reported by EffectiveStatus.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Mandate is a signed, time- and amount-bounded capability to act for Subject.
//
// Invariants:
//   - ValidFrom <= ValidUntil
//   - Scopes is non-empty and contains only known scopes
//   - the payload is immutable after issuance; only Status/RevokedAt change
//
// The mandate ID doubles as the token's jti.
type Mandate struct {
	ID             id.MandateID
	Subject        string
	Provider       string
	OrgRef         string
	Scopes         []Scope
	MaxAmountCents uint64
	ValidFrom      time.Time
	ValidUntil     time.Time
	CredentialRef  id.CredentialID
	ChildRef       string
	ProgramRef     string
	Status         Status
	CreatedAt      time.Time
	RevokedAt      *time.Time
}

// Params are the caller-supplied fields of a new mandate.
type Params struct {
	Subject        string
	Provider       string
	OrgRef         string
	Scopes         []Scope
	MaxAmountCents uint64
	ValidFrom      time.Time
	ValidUntil     time.Time
	CredentialRef  id.CredentialID
	ChildRef       string
	ProgramRef     string
}

// NewMandate validates p and builds an active mandate.
func NewMandate(mandateID id.MandateID, p Params, now time.Time) (*Mandate, error) {
	if strings.TrimSpace(p.Subject) == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate subject is required")
	}
	if strings.TrimSpace(p.Provider) == "" || strings.TrimSpace(p.OrgRef) == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate provider and org_ref are required")
	}
	if len(p.Scopes) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate scopes must not be empty")
	}
	for _, sc := range p.Scopes {
		if !sc.Known() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown mandate scope: "+string(sc))
		}
	}
	if p.ValidFrom.IsZero() || p.ValidUntil.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate validity window is required")
	}
	if p.ValidFrom.After(p.ValidUntil) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate valid_from must not be after valid_until")
	}
	if p.CredentialRef.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mandate credential_ref is required")
	}

	scopes := slices.Clone(p.Scopes)
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)

	return &Mandate{
		ID:             mandateID,
		Subject:        p.Subject,
		Provider:       p.Provider,
		OrgRef:         p.OrgRef,
		Scopes:         scopes,
		MaxAmountCents: p.MaxAmountCents,
		ValidFrom:      p.ValidFrom.UTC().Truncate(time.Second),
		ValidUntil:     p.ValidUntil.UTC().Truncate(time.Second),
		CredentialRef:  p.CredentialRef,
		ChildRef:       p.ChildRef,
		ProgramRef:     p.ProgramRef,
		Status:         StatusActive,
		CreatedAt:      now,
	}, nil
}

// HasScope reports whether the mandate grants s.
func (m *Mandate) HasScope(s Scope) bool {
	return slices.Contains(m.Scopes, s)
}

// EffectiveStatus checks revoked before expired before active.
func (m *Mandate) EffectiveStatus(now time.Time) Status {
	if m.Status == StatusRevoked {
		return StatusRevoked
	}
	if now.After(m.ValidUntil) {
		return StatusExpired
	}
	return StatusActive
}

// Revoke flips the mandate to revoked. Revoking twice is an invariant violation.
func (m *Mandate) Revoke(now time.Time) error {
	if m.Status == StatusRevoked {
		return dErrors.New(dErrors.CodeInvariantViolation, "mandate is already revoked")
	}
	m.Status = StatusRevoked
	m.RevokedAt = &now
	return nil
}

// ScopeStrings renders scopes for token claims and SQL arrays.
func (m *Mandate) ScopeStrings() []string {
	out := make([]string, len(m.Scopes))
	for i, s := range m.Scopes {
		out[i] = string(s)
	}
	return out
}
