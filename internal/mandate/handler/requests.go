package handler

import (
	"strings"
	"time"

	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	strutil "enrollo/pkg/platform/strings"
)

// IssueRequest is the body of POST /mandates.
type IssueRequest struct {
	Subject        string     `json:"subject"`
	Provider       string     `json:"provider"`
	OrgRef         string     `json:"org_ref"`
	Scopes         []string   `json:"scopes"`
	MaxAmountCents uint64     `json:"max_amount_cents"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	CredentialRef  string     `json:"credential_ref"`
	ChildRef       string     `json:"child_ref,omitempty"`
	ProgramRef     string     `json:"program_ref,omitempty"`

	credentialRef id.CredentialID
}

func (r *IssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Scopes = strutil.DedupeAndTrimLower(r.Scopes)
	if len(r.Scopes) > 8 {
		return dErrors.New(dErrors.CodeValidation, "at most 8 scopes")
	}
	r.Subject = strings.TrimSpace(r.Subject)
	r.Provider = strings.TrimSpace(r.Provider)
	r.OrgRef = strings.TrimSpace(r.OrgRef)
	if r.Subject == "" || r.Provider == "" || r.OrgRef == "" {
		return dErrors.New(dErrors.CodeValidation, "subject, provider and org_ref are required")
	}
	if len(r.Scopes) == 0 {
		return dErrors.New(dErrors.CodeValidation, "scopes are required")
	}
	ref, err := id.ParseCredentialID(r.CredentialRef)
	if err != nil {
		return err
	}
	r.credentialRef = ref
	return nil
}

// VerifyRequest is the body of POST /mandates/verify.
type VerifyRequest struct {
	Token string `json:"token"`
}

func (r *VerifyRequest) Validate() error {
	if r == nil || strings.TrimSpace(r.Token) == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	return nil
}
