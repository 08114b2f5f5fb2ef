package mandate

import (
	"fmt"

	"enrollo/internal/mandate/models"
)

// Decision is the outcome of Authorize. Denial is nil when Allowed.
type Decision struct {
	Allowed bool
	Denial  *AuthorizationDenied
}

// Err returns the denial as an error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.Denial
}

// Authorize decides whether m covers a. It performs no I/O and does not look
// at validity or revocation; callers pass a mandate returned by Verify.
// Unknown tools are denied.
func Authorize(m *models.Mandate, a models.Action) Decision {
	required := models.ScopesFor(a.Tool)
	if len(required) == 0 {
		return deny(ScopeMismatch, a.Tool, "tool is not covered by any scope")
	}

	granted := false
	for _, s := range required {
		if m.HasScope(s) {
			granted = true
			break
		}
	}
	if !granted {
		return deny(ScopeMismatch, a.Tool, fmt.Sprintf("requires one of %v", required))
	}

	if a.AmountCents != nil && *a.AmountCents > m.MaxAmountCents {
		return deny(AmountExceeded, a.Tool,
			fmt.Sprintf("amount %d exceeds mandate cap %d", *a.AmountCents, m.MaxAmountCents))
	}
	return Decision{Allowed: true}
}

func deny(reason DenialReason, tool models.Tool, detail string) Decision {
	return Decision{Denial: &AuthorizationDenied{Reason: reason, Tool: string(tool), Detail: detail}}
}
