// Package service issues, verifies and revokes mandates. Authorization of
// individual actions is the pure mandate.Authorize; the service adds the
// logging and metrics around it for callers that want them.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	credmodels "enrollo/internal/credential/models"
	"enrollo/internal/mandate"
	"enrollo/internal/mandate/metrics"
	"enrollo/internal/mandate/models"
	"enrollo/internal/mandate/token"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, m *models.Mandate) error
	FindByID(ctx context.Context, mandateID id.MandateID) (*models.Mandate, error)
	MarkRevoked(ctx context.Context, mandateID id.MandateID, at time.Time) error
}

// RevocationList records revoked jtis until their token would have expired.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// CredentialLookup confirms a stored credential belongs to the subject.
type CredentialLookup interface {
	Lookup(ctx context.Context, ref id.CredentialID, subject, provider string) (*credmodels.Credential, error)
}

const defaultTTL = 24 * time.Hour

type Service struct {
	store       Store
	revocations RevocationList
	credentials CredentialLookup
	signer      *token.Signer
	defaultTTL  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDefaultTTL sets the validity window used when a request omits valid_until.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func New(store Store, revocations RevocationList, credentials CredentialLookup, signer *token.Signer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("mandate store is required")
	}
	if revocations == nil {
		return nil, errors.New("revocation list is required")
	}
	if credentials == nil {
		return nil, errors.New("credential lookup is required")
	}
	if signer == nil {
		return nil, errors.New("mandate signer is required")
	}
	s := &Service{
		store:       store,
		revocations: revocations,
		credentials: credentials,
		signer:      signer,
		defaultTTL:  defaultTTL,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueRequest carries the fields of a new mandate. Zero ValidFrom means now;
// zero ValidUntil means now plus the default TTL.
type IssueRequest struct {
	Subject        string
	Provider       string
	OrgRef         string
	Scopes         []string
	MaxAmountCents uint64
	ValidFrom      time.Time
	ValidUntil     time.Time
	CredentialRef  id.CredentialID
	ChildRef       string
	ProgramRef     string
}

type IssueResult struct {
	MandateID id.MandateID
	Token     string
	Mandate   *models.Mandate
}

// Issue persists and signs a mandate. The authenticated caller must be the
// subject, and the credential must belong to the subject for the provider.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	caller := requestcontext.Subject(ctx)
	if caller == "" || caller != strings.TrimSpace(req.Subject) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "caller is not the mandate subject")
	}
	if _, err := s.credentials.Lookup(ctx, req.CredentialRef, req.Subject, req.Provider); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		validUntil = validFrom.Add(s.defaultTTL)
	}
	if !validUntil.After(now) {
		return nil, dErrors.New(dErrors.CodeInvalidTime, "valid_until must be in the future")
	}
	scopes := make([]models.Scope, len(req.Scopes))
	for i, sc := range req.Scopes {
		scopes[i] = models.Scope(strings.TrimSpace(sc))
	}

	m, err := models.NewMandate(id.NewMandateID(), models.Params{
		Subject:        req.Subject,
		Provider:       req.Provider,
		OrgRef:         req.OrgRef,
		Scopes:         scopes,
		MaxAmountCents: req.MaxAmountCents,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		CredentialRef:  req.CredentialRef,
		ChildRef:       req.ChildRef,
		ProgramRef:     req.ProgramRef,
	}, now)
	if err != nil {
		return nil, err
	}

	signed, err := s.signer.Sign(m)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign mandate")
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store mandate")
	}

	s.metrics.IncIssued()
	s.logger.InfoContext(ctx, "mandate issued",
		"mandate_id", m.ID,
		"subject", m.Subject,
		"provider", m.Provider,
		"org_ref", m.OrgRef,
		"scopes", m.ScopeStrings(),
		"max_amount_cents", m.MaxAmountCents,
		"valid_until", m.ValidUntil,
		"log_type", "audit",
	)
	return &IssueResult{MandateID: m.ID, Token: signed, Mandate: m}, nil
}

// Verify checks signature, revocation and validity window, in that order, and
// returns the mandate the token carries. Refusals are *mandate.VerificationError.
func (s *Service) Verify(ctx context.Context, tokenString string) (*models.Mandate, error) {
	m, err := s.verify(ctx, tokenString)
	if err != nil {
		if ve, ok := mandate.AsVerification(err); ok {
			s.metrics.IncVerification(string(ve.Kind))
			level := slog.LevelInfo
			if !ve.Kind.Retryable() {
				level = slog.LevelWarn
			}
			s.logger.Log(ctx, level, "mandate verification failed",
				"kind", ve.Kind,
				"detail", ve.Detail,
				"log_type", "audit",
			)
		}
		return nil, err
	}
	s.metrics.IncVerification("ok")
	return m, nil
}

func (s *Service) verify(ctx context.Context, tokenString string) (*models.Mandate, error) {
	claims, err := s.signer.Parse(strings.TrimSpace(tokenString))
	if err != nil {
		return nil, err
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check mandate revocation")
	}
	if revoked {
		return nil, mandate.Verification(mandate.Revoked, "mandate has been revoked")
	}

	m, err := claims.ToMandate()
	if err != nil {
		return nil, err
	}
	stored, err := s.store.FindByID(ctx, m.ID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, mandate.Verification(mandate.Malformed, "mandate was not issued by this authority")
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load mandate")
	case stored.Status == models.StatusRevoked:
		return nil, mandate.Verification(mandate.Revoked, "mandate has been revoked")
	}

	if err := s.signer.ValidateClaims(claims); err != nil {
		return nil, err
	}
	m.Status = stored.Status
	m.CreatedAt = stored.CreatedAt
	return m, nil
}

// Revoke revokes the caller's mandate. Tokens already handed out stop
// verifying immediately; the revocation entry lives until the token expires.
func (s *Service) Revoke(ctx context.Context, mandateID id.MandateID) (*models.Mandate, error) {
	m, err := s.store.FindByID(ctx, mandateID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "mandate not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load mandate")
	}
	if m.Subject != requestcontext.Subject(ctx) {
		return nil, dErrors.New(dErrors.CodeNotFound, "mandate not found")
	}

	now := requestcontext.Now(ctx)
	if err := s.store.MarkRevoked(ctx, mandateID, now); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeConflict, "mandate is already revoked")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke mandate")
	}
	if remaining := m.ValidUntil.Sub(now); remaining > 0 {
		if err := s.revocations.Revoke(ctx, mandateID.String(), remaining); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record revocation")
		}
	}
	_ = m.Revoke(now)

	s.metrics.IncRevoked()
	s.logger.InfoContext(ctx, "mandate revoked",
		"mandate_id", mandateID,
		"subject", m.Subject,
		"log_type", "audit",
	)
	return m, nil
}

// Authorize wraps mandate.Authorize with denial logging and metrics.
func (s *Service) Authorize(ctx context.Context, m *models.Mandate, action models.Action) error {
	d := mandate.Authorize(m, action)
	if d.Allowed {
		return nil
	}
	s.metrics.IncDenial(string(d.Denial.Reason), d.Denial.Tool)
	s.logger.WarnContext(ctx, "mandate authorization denied",
		"mandate_id", m.ID,
		"tool", d.Denial.Tool,
		"reason", d.Denial.Reason,
		"log_type", "audit",
	)
	return d.Err()
}
