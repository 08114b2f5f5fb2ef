// Package domain holds typed identifiers shared across the core.
//
// Each ID is a distinct named type over uuid.UUID so a JobID can never be
// passed where a MandateID is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "enrollo/pkg/domain-errors"
)

type (
	MandateID    uuid.UUID
	JobID        uuid.UUID
	AuditID      uuid.UUID
	CredentialID uuid.UUID
)

func (id MandateID) String() string    { return uuid.UUID(id).String() }
func (id JobID) String() string        { return uuid.UUID(id).String() }
func (id AuditID) String() string      { return uuid.UUID(id).String() }
func (id CredentialID) String() string { return uuid.UUID(id).String() }

func (id MandateID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id JobID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id AuditID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id CredentialID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func NewMandateID() MandateID       { return MandateID(uuid.New()) }
func NewJobID() JobID               { return JobID(uuid.New()) }
func NewAuditID() AuditID           { return AuditID(uuid.New()) }
func NewCredentialID() CredentialID { return CredentialID(uuid.New()) }

func ParseMandateID(s string) (MandateID, error) {
	u, err := parseUUID(s, "mandate id")
	return MandateID(u), err
}

func ParseJobID(s string) (JobID, error) {
	u, err := parseUUID(s, "job id")
	return JobID(u), err
}

func ParseAuditID(s string) (AuditID, error) {
	u, err := parseUUID(s, "audit id")
	return AuditID(u), err
}

func ParseCredentialID(s string) (CredentialID, error) {
	u, err := parseUUID(s, "credential id")
	return CredentialID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs at trust boundaries.
func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be nil")
	}
	return u, nil
}
