package service

import (
	"errors"
	"log/slog"

	"enrollo/internal/guardrail"
	"enrollo/internal/mandate"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/workflow"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
)

var userMessages = map[models.ErrorKind]string{
	models.KindGuardrailTripped:    "Stopped before the payment page. No charge was made.",
	models.KindAuthorizationDenied: "This signup needs more than your authorization allows. Nothing was submitted past that point.",
	models.KindMandateInvalid:      "Your authorization could not be verified. Please authorize the signup again.",
	models.KindCredential:          "We could not use your saved login for this provider. Please update it.",
	models.KindBilling:             "You are registered, but the service fee could not be charged. Our team will follow up.",
	models.KindInterrupted:         "The signup was interrupted before it finished. Please check the provider's site before retrying.",
	models.KindInternal:            "Something went wrong on our side. Our team has been notified.",
	models.KindNetworkTimeout:      "The provider's site did not respond in time.",
	models.KindSiteMaintenance:     "The provider's site is unavailable right now.",
	models.KindRateLimited:         "The provider's site asked us to slow down.",
	models.KindAuthentication:      "The provider rejected your saved login.",
	models.KindProgramFull:         "The program is full.",
	models.KindCaptcha:             "The provider's site asked for a human check we cannot complete.",
	models.KindFormValidation:      "The provider's site rejected the registration details.",
	models.KindDriver:              "We could not complete the provider's registration form.",
}

func userMessage(kind models.ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[models.KindInternal]
}

// describe turns a run failure into the error recorded on the job.
func describe(err error) *models.JobError {
	je := &models.JobError{Kind: models.KindInternal, Detail: err.Error()}

	var ce *chargeError
	if errors.As(err, &ce) {
		je.Kind = models.KindBilling
		je.Code = string(dErrors.CodeOf(ce.err))
		je.UserMessage = userMessage(je.Kind)
		return je
	}

	if tripped, ok := guardrail.AsTripped(err); ok {
		je.Kind = models.KindGuardrailTripped
		je.Code = string(tripped.Reason)
		je.Evidence = &models.StopEvidence{
			URL:        tripped.Evidence.URL,
			Timestamp:  tripped.Evidence.Timestamp,
			Reason:     string(tripped.Reason),
			ButtonText: tripped.Evidence.ButtonText,
			PageTitle:  tripped.Evidence.PageTitle,
			Matched:    tripped.Evidence.Matched,
		}
	} else if denied, ok := mandate.AsDenied(err); ok {
		je.Kind = models.KindAuthorizationDenied
		je.Code = string(denied.Reason)
	} else if ve, ok := mandate.AsVerification(err); ok {
		je.Kind = models.KindMandateInvalid
		je.Code = string(ve.Kind)
		je.Retryable = ve.Kind.Retryable()
	} else if dErrors.HasCode(err, dErrors.CodeCredentialNotFound) || dErrors.HasCode(err, dErrors.CodeDecryptionFailed) {
		je.Kind = models.KindCredential
		je.Code = string(dErrors.CodeOf(err))
	} else if we, ok := workflow.AsError(err); ok {
		je.Kind = we.Kind
		je.Code = we.Step
		je.Retryable = we.Transient()
	} else if errors.Is(err, sentinel.ErrLockHeld) {
		je.Code = "session_busy"
		je.Retryable = true
	}
	je.UserMessage = userMessage(je.Kind)
	return je
}

// slogLevel escalates failures that point at tampering or bugs rather than
// the provider site.
func slogLevel(je *models.JobError) slog.Level {
	switch je.Kind {
	case models.KindMandateInvalid:
		if je.Retryable {
			return slog.LevelWarn
		}
		return slog.LevelError
	case models.KindInternal, models.KindBilling, models.KindInterrupted:
		return slog.LevelError
	}
	return slog.LevelWarn
}
