// Package credential owns sealed provider logins: storing them through the
// vault, confirming ownership for mandate issuance, and opening them for the
// registration workflow. Plaintext never reaches logs or the audit ledger.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"enrollo/internal/credential/models"
	"enrollo/internal/vault"
	id "enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, cred *models.Credential) error
	FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error)
}

// Sealer is the vault contract the service depends on.
type Sealer interface {
	Seal(record any) (*vault.Sealed, error)
	Unseal(sealed *vault.Sealed, out any) error
}

// Service stores and resolves sealed credentials.
type Service struct {
	store  Store
	vault  Sealer
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, v Sealer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if v == nil {
		return nil, errors.New("vault is required")
	}
	s := &Service{store: store, vault: v, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save seals secret and stores it for subject and provider.
func (s *Service) Save(ctx context.Context, subject, provider string, secret models.Secret) (*models.Credential, error) {
	subject = strings.TrimSpace(subject)
	provider = strings.TrimSpace(provider)
	if subject == "" || provider == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "subject and provider are required")
	}
	if secret.Username == "" || secret.Password == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "username and password are required")
	}

	sealed, err := s.vault.Seal(secret)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal credential")
	}
	cred := &models.Credential{
		ID:        id.NewCredentialID(),
		Subject:   subject,
		Provider:  provider,
		Blob:      sealed.Blob(),
		IV:        sealed.IVHex(),
		CreatedAt: requestcontext.Now(ctx),
	}
	if err := s.store.Create(ctx, cred); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store credential")
	}
	s.logger.InfoContext(ctx, "credential stored",
		"credential_id", cred.ID,
		"subject", subject,
		"provider", provider,
	)
	return cred, nil
}

// Lookup confirms the credential exists and belongs to subject and provider.
// Foreign credentials are reported as not found so existence is not leaked.
func (s *Service) Lookup(ctx context.Context, ref id.CredentialID, subject, provider string) (*models.Credential, error) {
	cred, err := s.store.FindByID(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential")
	}
	if !cred.OwnedBy(subject, provider) {
		s.logger.WarnContext(ctx, "credential ownership mismatch",
			"credential_id", ref,
			"subject", subject,
			"provider", provider,
			"log_type", "audit",
		)
		return nil, ErrCredentialNotFound
	}
	return cred, nil
}

// Open decrypts the credential for the workflow's login step. A tag failure is
// escalated as CodeDecryptionFailed; it means tampering or a rotated key.
func (s *Service) Open(ctx context.Context, ref id.CredentialID) (*models.Secret, error) {
	start := time.Now()
	cred, err := s.store.FindByID(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential")
	}
	sealed, err := vault.ParseSealed(cred.Blob, cred.IV)
	if err != nil {
		return nil, err
	}
	var secret models.Secret
	if err := s.vault.Unseal(sealed, &secret); err != nil {
		s.logger.ErrorContext(ctx, "credential failed authentication",
			"credential_id", ref,
			"error", err,
			"log_type", "audit",
		)
		return nil, err
	}
	s.logger.DebugContext(ctx, "credential opened",
		"credential_id", ref,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &secret, nil
}

// ErrCredentialNotFound is the CredentialError{NotFound} case.
var ErrCredentialNotFound = dErrors.New(dErrors.CodeCredentialNotFound, "credential not found")
