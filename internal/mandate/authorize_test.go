package mandate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrollo/internal/mandate/models"
	id "enrollo/pkg/domain"
)

func newMandate(t *testing.T, maxCents uint64, scopes ...models.Scope) *models.Mandate {
	t.Helper()
	now := time.Now()
	m, err := models.NewMandate(id.NewMandateID(), models.Params{
		Subject:        "parent-1",
		Provider:       "skiclubpro",
		OrgRef:         "blackhawk",
		Scopes:         scopes,
		MaxAmountCents: maxCents,
		ValidFrom:      now,
		ValidUntil:     now.Add(time.Hour),
		CredentialRef:  id.NewCredentialID(),
	}, now)
	require.NoError(t, err)
	return m
}

func TestAuthorize(t *testing.T) {
	booking := newMandate(t, 5000, models.ScopeCreateBooking)
	both := newMandate(t, 5000, models.ScopeCreateBooking, models.ScopeSuccessFee)
	readOnly := newMandate(t, 0, models.ScopeReadAccount)

	tests := []struct {
		name     string
		mandate  *models.Mandate
		action   models.Action
		allowed  bool
		wantDeny DenialReason
	}{
		{"booking within cap", booking, models.Action{Tool: models.ToolCreateBooking, AmountCents: models.Amount(4500)}, true, ""},
		{"booking at cap", booking, models.Action{Tool: models.ToolCreateBooking, AmountCents: models.Amount(5000)}, true, ""},
		{"booking over cap", booking, models.Action{Tool: models.ToolCreateBooking, AmountCents: models.Amount(5001)}, false, AmountExceeded},
		{"login implied by create_booking", booking, models.Action{Tool: models.ToolLogin}, true, ""},
		{"form submission implied by create_booking", booking, models.Action{Tool: models.ToolSubmitForm}, true, ""},
		{"success fee without scope", booking, models.Action{Tool: models.ToolChargeSuccessFee, AmountCents: models.Amount(2000)}, false, ScopeMismatch},
		{"success fee with scope", both, models.Action{Tool: models.ToolChargeSuccessFee, AmountCents: models.Amount(2000)}, true, ""},
		{"read-only mandate cannot book", readOnly, models.Action{Tool: models.ToolCreateBooking}, false, ScopeMismatch},
		{"read-only mandate can log in", readOnly, models.Action{Tool: models.ToolLogin}, true, ""},
		{"unknown tool fails closed", both, models.Action{Tool: "provider.delete_account"}, false, ScopeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(tt.mandate, tt.action)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.allowed {
				assert.NoError(t, d.Err())
				return
			}
			denied, ok := AsDenied(d.Err())
			require.True(t, ok)
			assert.Equal(t, tt.wantDeny, denied.Reason)
			assert.Equal(t, string(tt.action.Tool), denied.Tool)
		})
	}
}

func TestVerificationKind_Retryable(t *testing.T) {
	assert.True(t, Expired.Retryable())
	assert.True(t, NotYetValid.Retryable())
	assert.False(t, BadSignature.Retryable())
	assert.False(t, Revoked.Retryable())
	assert.False(t, Malformed.Retryable())
}
