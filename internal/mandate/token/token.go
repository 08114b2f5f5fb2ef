package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"enrollo/internal/mandate"
	"enrollo/internal/mandate/models"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
)

// MinKeyLength is the shortest HMAC key accepted.
const MinKeyLength = 32

// Claims is the signed mandate payload.
type Claims struct {
	Provider       string   `json:"provider"`
	OrgRef         string   `json:"org_ref"`
	Scopes         []string `json:"scopes"`
	MaxAmountCents uint64   `json:"max_amount_cents"`
	CredentialRef  string   `json:"credential_ref"`
	ChildRef       string   `json:"child_ref,omitempty"`
	ProgramRef     string   `json:"program_ref,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies mandate tokens with a process-wide HMAC key.
type Signer struct {
	key      []byte
	method   jwt.SigningMethod
	issuer   string
	audience string
	clock    func() time.Time
}

type Option func(*Signer)

// WithClock sets the time source used for temporal claim checks.
func WithClock(clock func() time.Time) Option {
	return func(s *Signer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSigner builds a Signer. alg must be HS256, HS384 or HS512.
func NewSigner(key, alg, issuer, audience string, opts ...Option) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("mandate signing key must be at least %d bytes", MinKeyLength))
	}
	var method jwt.SigningMethod
	switch alg {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unsupported mandate signing algorithm: "+alg)
	}
	s := &Signer{
		key:      []byte(key),
		method:   method,
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Algorithm returns the configured JWS alg name.
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}

// Sign encodes m as a compact JWS.
func (s *Signer) Sign(m *models.Mandate) (string, error) {
	claims := Claims{
		Provider:       m.Provider,
		OrgRef:         m.OrgRef,
		Scopes:         m.ScopeStrings(),
		MaxAmountCents: m.MaxAmountCents,
		CredentialRef:  m.CredentialRef.String(),
		ChildRef:       m.ChildRef,
		ProgramRef:     m.ProgramRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   m.Subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(m.CreatedAt),
			NotBefore: jwt.NewNumericDate(m.ValidFrom),
			ExpiresAt: jwt.NewNumericDate(m.ValidUntil),
			ID:        m.ID.String(),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign mandate: %w", err)
	}
	return signed, nil
}

// Parse checks structure and signature only. Temporal and audience checks are
// left to ValidateClaims so callers can consult revocation state in between.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.ID == "" || claims.Subject == "" || len(claims.Scopes) == 0 || claims.ExpiresAt == nil || claims.NotBefore == nil {
		return nil, mandate.Verification(mandate.Malformed, "required claims missing")
	}
	return claims, nil
}

// ValidateClaims checks issuer, audience and the validity window.
func (s *Signer) ValidateClaims(claims *Claims) error {
	v := jwt.NewValidator(
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err := v.Validate(claims); err != nil {
		return classify(err)
	}
	return nil
}

// ToMandate rebuilds the mandate carried by verified claims.
func (c *Claims) ToMandate() (*models.Mandate, error) {
	mandateID, err := id.ParseMandateID(c.ID)
	if err != nil {
		return nil, mandate.Verification(mandate.Malformed, "jti is not a mandate id")
	}
	credRef, err := id.ParseCredentialID(c.CredentialRef)
	if err != nil {
		return nil, mandate.Verification(mandate.Malformed, "credential_ref is not a credential id")
	}
	scopes := make([]models.Scope, len(c.Scopes))
	for i, sc := range c.Scopes {
		scopes[i] = models.Scope(sc)
	}
	var createdAt time.Time
	if c.IssuedAt != nil {
		createdAt = c.IssuedAt.Time
	}
	m, err := models.NewMandate(mandateID, models.Params{
		Subject:        c.Subject,
		Provider:       c.Provider,
		OrgRef:         c.OrgRef,
		Scopes:         scopes,
		MaxAmountCents: c.MaxAmountCents,
		ValidFrom:      c.NotBefore.Time,
		ValidUntil:     c.ExpiresAt.Time,
		CredentialRef:  credRef,
		ChildRef:       c.ChildRef,
		ProgramRef:     c.ProgramRef,
	}, createdAt)
	if err != nil {
		return nil, mandate.Verification(mandate.Malformed, err.Error())
	}
	return m, nil
}

func classify(err error) *mandate.VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return mandate.Verification(mandate.Malformed, err.Error())
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return mandate.Verification(mandate.BadSignature, err.Error())
	case errors.Is(err, jwt.ErrTokenExpired):
		return mandate.Verification(mandate.Expired, err.Error())
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return mandate.Verification(mandate.NotYetValid, err.Error())
	default:
		return mandate.Verification(mandate.Malformed, err.Error())
	}
}
