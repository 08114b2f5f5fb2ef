// Package billing is the success-fee side effect. Real payment processor
// bindings live outside this module and satisfy Charger.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"enrollo/pkg/domain"
	dErrors "enrollo/pkg/domain-errors"
)

//go:generate mockgen -source=charger.go -destination=mocks/mocks.go -package=mocks Charger

// Charger charges the platform success fee. Implementations must treat
// idempotencyKey as a dedupe key: a repeated key returns the original charge.
type Charger interface {
	ChargeSuccessFee(ctx context.Context, mandateID domain.MandateID, amountCents uint64, idempotencyKey string) (string, error)
}

// Charge is one success-fee charge kept by InMemoryCharger.
type Charge struct {
	ID             string
	MandateID      domain.MandateID
	AmountCents    uint64
	IdempotencyKey string
	CreatedAt      time.Time
}

// InMemoryCharger records charges without contacting a processor. It backs
// development deployments and tests.
type InMemoryCharger struct {
	mu      sync.Mutex
	byKey   map[string]Charge
	ordered []Charge
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*InMemoryCharger)

func WithLogger(logger *slog.Logger) Option {
	return func(c *InMemoryCharger) {
		c.logger = logger
	}
}

func NewInMemoryCharger(opts ...Option) *InMemoryCharger {
	c := &InMemoryCharger{
		byKey:  make(map[string]Charge),
		logger: slog.New(slog.DiscardHandler),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *InMemoryCharger) ChargeSuccessFee(ctx context.Context, mandateID domain.MandateID, amountCents uint64, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "idempotency key is required")
	}
	if amountCents == 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "amount must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byKey[idempotencyKey]; ok {
		if existing.AmountCents != amountCents || existing.MandateID != mandateID {
			return "", dErrors.New(dErrors.CodeConflict, "idempotency key reused with different charge")
		}
		return existing.ID, nil
	}
	ch := Charge{
		ID:             fmt.Sprintf("ch_%s", uuid.NewString()),
		MandateID:      mandateID,
		AmountCents:    amountCents,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      c.clock(),
	}
	c.byKey[idempotencyKey] = ch
	c.ordered = append(c.ordered, ch)
	c.logger.InfoContext(ctx, "success fee charged",
		"charge_id", ch.ID,
		"mandate_id", mandateID.String(),
		"amount_cents", amountCents,
		"log_type", "audit",
	)
	return ch.ID, nil
}

// Charges returns every distinct charge in creation order.
func (c *InMemoryCharger) Charges() []Charge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Charge, len(c.ordered))
	copy(out, c.ordered)
	return out
}
