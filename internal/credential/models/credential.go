package models

import (
	"time"

	id "enrollo/pkg/domain"
)

// Credential is a sealed provider login owned by one subject.
// Blob and IV are the vault's stored form; plaintext never lives on this type.
type Credential struct {
	ID        id.CredentialID
	Subject   string
	Provider  string
	Blob      string
	IV        string
	CreatedAt time.Time
}

// OwnedBy reports whether the credential belongs to subject for provider.
func (c *Credential) OwnedBy(subject, provider string) bool {
	return c.Subject == subject && c.Provider == provider
}

// Secret is the plaintext record sealed into a Credential.
type Secret struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	PaymentHint string `json:"payment_hint,omitempty"`
}
