package workflow

import (
	"context"
	"errors"
	"fmt"

	"enrollo/internal/automation"
	"enrollo/internal/scheduler/models"
)

// Error is a failure of the provider site or of the automation around it.
type Error struct {
	Kind models.ErrorKind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s during %s", e.Kind, e.Step)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the run can help.
func (e *Error) Transient() bool {
	switch e.Kind {
	case models.KindNetworkTimeout, models.KindSiteMaintenance, models.KindRateLimited:
		return true
	}
	return false
}

// AsError unwraps err into a workflow Error.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// IsTransient reports whether err is a retryable workflow error.
func IsTransient(err error) bool {
	we, ok := AsError(err)
	return ok && we.Transient()
}

func failure(kind models.ErrorKind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}

// classify maps driver errors onto workflow kinds. Errors that already carry
// a classification, including guardrail trips, pass through.
func classify(step string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, automation.ErrTimeout):
		return failure(models.KindNetworkTimeout, step, err)
	case errors.Is(err, automation.ErrSiteUnavailable):
		return failure(models.KindSiteMaintenance, step, err)
	case errors.Is(err, automation.ErrRateLimited):
		return failure(models.KindRateLimited, step, err)
	case errors.Is(err, automation.ErrElementNotFound):
		return failure(models.KindDriver, step, err)
	}
	return err
}
