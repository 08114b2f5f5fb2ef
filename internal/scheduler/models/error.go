package models

import "time"

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindGuardrailTripped    ErrorKind = "guardrail_tripped"
	KindAuthorizationDenied ErrorKind = "authorization_denied"
	KindMandateInvalid      ErrorKind = "mandate_invalid"
	KindCredential          ErrorKind = "credential_error"
	KindBilling             ErrorKind = "billing_failed"
	KindInterrupted         ErrorKind = "interrupted"
	KindInternal            ErrorKind = "internal_error"

	KindNetworkTimeout      ErrorKind = "network_timeout"
	KindSiteMaintenance     ErrorKind = "site_maintenance"
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuthentication      ErrorKind = "authentication_failed"
	KindProgramFull         ErrorKind = "program_full"
	KindCaptcha             ErrorKind = "captcha_challenge"
	KindFormValidation      ErrorKind = "form_validation_error"
	KindDriver              ErrorKind = "driver_error"
)

// StopEvidence is the payment-stop capture kept on a tripped job.
type StopEvidence struct {
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	ButtonText string    `json:"button_text,omitempty"`
	PageTitle  string    `json:"page_title,omitempty"`
	Matched    string    `json:"matched,omitempty"`
}

// JobError is the structured failure recorded on a job. UserMessage is safe
// to show the parent; Detail is for support.
type JobError struct {
	Kind        ErrorKind     `json:"kind"`
	Code        string        `json:"code,omitempty"`
	UserMessage string        `json:"user_message"`
	Detail      string        `json:"detail"`
	Retryable   bool          `json:"retryable"`
	Evidence    *StopEvidence `json:"evidence,omitempty"`
}
