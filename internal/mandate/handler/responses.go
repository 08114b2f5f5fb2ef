package handler

import (
	"time"

	"enrollo/internal/mandate/models"
)

type MandateResponse struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Provider       string    `json:"provider"`
	OrgRef         string    `json:"org_ref"`
	Scopes         []string  `json:"scopes"`
	MaxAmountCents uint64    `json:"max_amount_cents"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	ChildRef       string    `json:"child_ref,omitempty"`
	ProgramRef     string    `json:"program_ref,omitempty"`
	Status         string    `json:"status"`
}

type IssueResponse struct {
	MandateID string          `json:"mandate_id"`
	Token     string          `json:"token"`
	Mandate   MandateResponse `json:"mandate"`
}

type VerifyResponse struct {
	Valid     bool             `json:"valid"`
	Reason    string           `json:"reason,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Mandate   *MandateResponse `json:"mandate,omitempty"`
}

func toMandateResponse(m *models.Mandate, now time.Time) MandateResponse {
	return MandateResponse{
		ID:             m.ID.String(),
		Subject:        m.Subject,
		Provider:       m.Provider,
		OrgRef:         m.OrgRef,
		Scopes:         m.ScopeStrings(),
		MaxAmountCents: m.MaxAmountCents,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		ChildRef:       m.ChildRef,
		ProgramRef:     m.ProgramRef,
		Status:         string(m.EffectiveStatus(now)),
	}
}
