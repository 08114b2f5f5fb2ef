package models

// Tool names a privileged operation the workflow can perform.
type Tool string

const (
	ToolLogin            Tool = "provider.login"
	ToolReadAccount      Tool = "provider.read_account"
	ToolSubmitForm       Tool = "provider.submit_participants"
	ToolCreateBooking    Tool = "provider.create_booking"
	ToolChargeSuccessFee Tool = "billing.charge_success_fee"
)

// impliedBy maps each tool to the scopes that permit it. Tools absent from
// this table are denied.
var impliedBy = map[Tool][]Scope{
	ToolLogin:            {ScopeCreateBooking, ScopeReadAccount},
	ToolReadAccount:      {ScopeReadAccount, ScopeCreateBooking},
	ToolSubmitForm:       {ScopeCreateBooking},
	ToolCreateBooking:    {ScopeCreateBooking},
	ToolChargeSuccessFee: {ScopeSuccessFee},
}

// ScopesFor returns the scopes that imply tool, or nil for unknown tools.
func ScopesFor(tool Tool) []Scope {
	return impliedBy[tool]
}

// Action is one requested tool call. AmountCents is set only for calls that
// move money or commit to a price.
type Action struct {
	Tool        Tool
	AmountCents *uint64
}

// Amount is a helper for building monetary actions.
func Amount(cents uint64) *uint64 {
	return &cents
}
