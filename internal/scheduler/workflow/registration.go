// Package workflow drives a provider's registration flow: login, participant
// form, confirmation. Every privileged step is authorized against the
// mandate and recorded in the audit ledger, and every click or navigation is
// screened by the payment guardrail first.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"enrollo/internal/audit"
	"enrollo/internal/automation"
	credmodels "enrollo/internal/credential/models"
	mandatemodels "enrollo/internal/mandate/models"
	"enrollo/internal/scheduler/models"
	"enrollo/internal/scheduler/session"
	"enrollo/pkg/domain"
)

// Authorizer is the mandate choke point.
type Authorizer interface {
	Authorize(ctx context.Context, m *mandatemodels.Mandate, action mandatemodels.Action) error
}

// Auditor records privileged calls.
type Auditor interface {
	Track(ctx context.Context, req audit.BeginRequest, fn func(ctx context.Context) (any, error)) (any, error)
	Deny(ctx context.Context, req audit.BeginRequest, reason string) (domain.AuditID, error)
}

// Guard screens page actions for payment boundaries.
type Guard interface {
	Check(ctx context.Context, d automation.Driver, candidate *automation.Element) error
	CheckNavigation(ctx context.Context, d automation.Driver, target string) error
}

// Credentials resolves the provider login a mandate references.
type Credentials interface {
	Lookup(ctx context.Context, ref domain.CredentialID, subject, provider string) (*credmodels.Credential, error)
	Open(ctx context.Context, ref domain.CredentialID) (*credmodels.Secret, error)
}

// Run is one execution of a job inside a held session.
type Run struct {
	Job     *models.Job
	Mandate *mandatemodels.Mandate
	Session *session.Session
}

// Result is what a completed registration produced.
type Result struct {
	BookingRef  string
	AmountCents uint64
}

type Registration struct {
	providers   Directory
	authz       Authorizer
	auditor     Auditor
	guard       Guard
	credentials Credentials
	logger      *slog.Logger
	tracer      trace.Tracer
}

type Option func(*Registration)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registration) {
		r.logger = logger
	}
}

func New(providers Directory, authz Authorizer, auditor Auditor, guard Guard, credentials Credentials, opts ...Option) (*Registration, error) {
	if authz == nil {
		return nil, errors.New("authorizer is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if guard == nil {
		return nil, errors.New("guard is required")
	}
	if credentials == nil {
		return nil, errors.New("credentials are required")
	}
	r := &Registration{
		providers:   providers,
		authz:       authz,
		auditor:     auditor,
		guard:       guard,
		credentials: credentials,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer("enrollo/workflow"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs the flow. Login is skipped when the session is already
// authenticated. Errors are *Error, *guardrail.TrippedError,
// *mandate.AuthorizationDenied or credential errors.
func (r *Registration) Execute(ctx context.Context, run Run) (*Result, error) {
	sel, ok := r.providers[run.Job.Payload.Provider]
	if !ok {
		return nil, failure(models.KindDriver, "setup", fmt.Errorf("no selectors for provider %q", run.Job.Payload.Provider))
	}
	ctx, span := r.tracer.Start(ctx, "workflow.registration", trace.WithAttributes(
		attribute.String("job.id", run.Job.ID.String()),
		attribute.String("provider", run.Job.Payload.Provider),
	))
	defer span.End()

	result, err := r.execute(ctx, sel, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (r *Registration) execute(ctx context.Context, sel Selectors, run Run) (*Result, error) {
	if !run.Session.Authenticated {
		if err := r.login(ctx, sel, run); err != nil {
			return nil, err
		}
		run.Session.Authenticated = true
	}
	if err := r.submitParticipants(ctx, sel, run); err != nil {
		return nil, err
	}
	return r.confirm(ctx, sel, run)
}

func (r *Registration) login(ctx context.Context, sel Selectors, run Run) error {
	m := run.Mandate
	if _, err := r.credentials.Lookup(ctx, m.CredentialRef, m.Subject, m.Provider); err != nil {
		return err
	}
	secret, err := r.credentials.Open(ctx, m.CredentialRef)
	if err != nil {
		return err
	}
	d := run.Session.Driver()
	args := map[string]any{"provider": m.Provider, "username": secret.Username}

	_, err = r.step(ctx, run, mandatemodels.ToolLogin, nil, args, func(ctx context.Context) (any, error) {
		if err := r.navigate(ctx, d, "login", sel.LoginURL); err != nil {
			return nil, err
		}
		if err := r.fill(ctx, d, "login", sel.Username, secret.Username); err != nil {
			return nil, err
		}
		if err := r.fill(ctx, d, "login", sel.Password, secret.Password); err != nil {
			return nil, err
		}
		if err := r.click(ctx, d, "login", sel.LoginSubmit); err != nil {
			return nil, err
		}
		if present(ctx, d, sel.Captcha) {
			return nil, failure(models.KindCaptcha, "login", errors.New("captcha challenge shown"))
		}
		if present(ctx, d, sel.LoginError) {
			msg, _ := d.Text(ctx, sel.LoginError)
			return nil, failure(models.KindAuthentication, "login", errors.New(strings.TrimSpace(msg)))
		}
		url, _ := d.CurrentURL(ctx)
		return map[string]string{"url": url}, nil
	})
	return err
}

func (r *Registration) submitParticipants(ctx context.Context, sel Selectors, run Run) error {
	p := run.Job.Payload
	d := run.Session.Driver()
	args := map[string]any{
		"program_ref":  p.ProgramRef,
		"delegate":     p.Delegate,
		"participants": p.Participants,
	}

	_, err := r.step(ctx, run, mandatemodels.ToolSubmitForm, nil, args, func(ctx context.Context) (any, error) {
		if err := r.navigate(ctx, d, "participants", p.ProgramURL); err != nil {
			return nil, err
		}
		if present(ctx, d, sel.ProgramFull) {
			return nil, failure(models.KindProgramFull, "participants", errors.New("program is full"))
		}
		fields := []struct{ selector, value string }{
			{sel.DelegateName, p.Delegate.Name},
			{sel.DelegateEmail, p.Delegate.Email},
			{sel.DelegatePhone, p.Delegate.Phone},
		}
		for i, c := range p.Participants {
			fields = append(fields,
				struct{ selector, value string }{fmt.Sprintf(sel.ParticipantField, i, "first_name"), c.FirstName},
				struct{ selector, value string }{fmt.Sprintf(sel.ParticipantField, i, "last_name"), c.LastName},
				struct{ selector, value string }{fmt.Sprintf(sel.ParticipantField, i, "date_of_birth"), c.DateOfBirth},
			)
		}
		for _, f := range fields {
			if f.selector == "" || f.value == "" {
				continue
			}
			if err := r.fill(ctx, d, "participants", f.selector, f.value); err != nil {
				return nil, err
			}
		}
		if sel.Next != "" {
			if err := r.click(ctx, d, "participants", sel.Next); err != nil {
				return nil, err
			}
		}
		if present(ctx, d, sel.FormError) {
			msg, _ := d.Text(ctx, sel.FormError)
			return nil, failure(models.KindFormValidation, "participants", errors.New(strings.TrimSpace(msg)))
		}
		return map[string]int{"participants": len(p.Participants)}, nil
	})
	return err
}

func (r *Registration) confirm(ctx context.Context, sel Selectors, run Run) (*Result, error) {
	p := run.Job.Payload
	d := run.Session.Driver()

	// Screen the page before reading anything off it. A trip here is still
	// recorded against the booking tool.
	if err := r.guard.Check(ctx, d, nil); err != nil {
		req := audit.BeginRequest{
			MandateID: run.Mandate.ID,
			JobID:     run.Job.ID,
			ToolName:  string(mandatemodels.ToolCreateBooking),
			Args:      map[string]any{"program_ref": p.ProgramRef},
		}
		if _, auditErr := r.auditor.Deny(ctx, req, err.Error()); auditErr != nil {
			r.logger.ErrorContext(ctx, "failed to record guardrail stop", "error", auditErr)
		}
		return nil, err
	}
	amount := p.ProgramFeeCents
	if sel.Price != "" {
		text, err := d.Text(ctx, sel.Price)
		if err != nil {
			return nil, classify("confirm", err)
		}
		cents, err := ParseCents(text)
		if err != nil {
			return nil, failure(models.KindFormValidation, "confirm", err)
		}
		amount = cents
	}
	args := map[string]any{"program_ref": p.ProgramRef, "amount_cents": amount}

	res, err := r.step(ctx, run, mandatemodels.ToolCreateBooking, mandatemodels.Amount(amount), args, func(ctx context.Context) (any, error) {
		if err := r.click(ctx, d, "confirm", sel.Confirm); err != nil {
			return nil, err
		}
		ref, err := d.Text(ctx, sel.BookingRef)
		if err != nil {
			return nil, classify("confirm", err)
		}
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, failure(models.KindFormValidation, "confirm", errors.New("no booking reference shown"))
		}
		return map[string]any{"booking_ref": ref, "amount_cents": amount}, nil
	})
	if err != nil {
		return nil, err
	}
	out := res.(map[string]any)
	return &Result{BookingRef: out["booking_ref"].(string), AmountCents: amount}, nil
}

// step authorizes tool against the mandate and runs fn under an audit record.
// A denial is recorded and returned without running fn.
func (r *Registration) step(ctx context.Context, run Run, tool mandatemodels.Tool, amount *uint64, args any, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, span := r.tracer.Start(ctx, string(tool))
	defer span.End()

	req := audit.BeginRequest{MandateID: run.Mandate.ID, JobID: run.Job.ID, ToolName: string(tool), Args: args}
	if err := r.authz.Authorize(ctx, run.Mandate, mandatemodels.Action{Tool: tool, AmountCents: amount}); err != nil {
		if _, auditErr := r.auditor.Deny(ctx, req, err.Error()); auditErr != nil {
			r.logger.ErrorContext(ctx, "failed to record denial", "tool", tool, "error", auditErr)
		}
		span.SetStatus(codes.Error, "denied")
		return nil, err
	}
	res, err := r.auditor.Track(ctx, req, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.logger.DebugContext(ctx, "workflow step done", "job_id", run.Job.ID, "tool", tool)
	return res, nil
}

func (r *Registration) navigate(ctx context.Context, d automation.Driver, step, url string) error {
	if err := r.guard.CheckNavigation(ctx, d, url); err != nil {
		return err
	}
	if err := d.Navigate(ctx, url); err != nil {
		return classify(step, err)
	}
	return r.guard.Check(ctx, d, nil)
}

func (r *Registration) fill(ctx context.Context, d automation.Driver, step, selector, value string) error {
	return classify(step, d.Fill(ctx, selector, value))
}

func (r *Registration) click(ctx context.Context, d automation.Driver, step, selector string) error {
	el, err := d.Inspect(ctx, selector)
	if err != nil {
		return classify(step, err)
	}
	if err := r.guard.Check(ctx, d, el); err != nil {
		return err
	}
	return classify(step, d.Click(ctx, selector))
}

func present(ctx context.Context, d automation.Driver, selector string) bool {
	if selector == "" {
		return false
	}
	el, err := d.Inspect(ctx, selector)
	return err == nil && el != nil
}

var amountPattern = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)

// ParseCents reads the first currency amount in s, e.g. "$1,045.50" -> 104550.
func ParseCents(s string) (uint64, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("no amount in %q", s)
	}
	whole, err := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	var cents uint64
	switch frac := m[2]; len(frac) {
	case 1:
		c, _ := strconv.ParseUint(frac, 10, 64)
		cents = c * 10
	case 2:
		cents, _ = strconv.ParseUint(frac, 10, 64)
	}
	return whole*100 + cents, nil
}
