package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"enrollo/internal/automation"
)

// Reason says which check tripped.
type Reason string

const (
	ReasonPaymentButton Reason = "payment_button"
	ReasonPaymentPage   Reason = "payment_page"
)

// Evidence is captured once per trip.
type Evidence struct {
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     Reason    `json:"reason"`
	ButtonText string    `json:"button_text,omitempty"`
	PageTitle  string    `json:"page_title,omitempty"`
	Matched    string    `json:"matched"`
	Screenshot []byte    `json:"-"`
}

// TrippedError aborts the current step. It is job-terminal and never retried.
type TrippedError struct {
	Reason   Reason
	Evidence Evidence
}

func (e *TrippedError) Error() string {
	return fmt.Sprintf("payment guardrail tripped: %s (%s) at %s", e.Reason, e.Evidence.Matched, e.Evidence.URL)
}

// AsTripped unwraps err into a TrippedError.
func AsTripped(err error) (*TrippedError, bool) {
	var t *TrippedError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

var tripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrollo_guardrail_trips_total",
	Help: "Payment guardrail trips by reason",
}, []string{"reason"})

// Guard runs the checks against a live driver before each interactive step.
type Guard struct {
	matcher *Matcher
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func New(m *Matcher, opts ...Option) *Guard {
	if m == nil {
		m = defaultMatcher
	}
	g := &Guard{matcher: m, logger: slog.New(slog.DiscardHandler), clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check inspects the current page and, when candidate is set, the element
// about to be clicked. A snapshot failure is returned as an error so the
// step is not taken blind.
func (g *Guard) Check(ctx context.Context, d automation.Driver, candidate *automation.Element) error {
	page, err := d.Page(ctx)
	if err != nil {
		return fmt.Errorf("guardrail page snapshot: %w", err)
	}

	if hit, matched := g.matcher.PageIndicatesPayment(*page); hit {
		return g.trip(ctx, d, page, ReasonPaymentPage, matched, "")
	}
	if candidate != nil {
		if hit, matched := g.matcher.IsPaymentButton(*candidate, *page); hit {
			return g.trip(ctx, d, page, ReasonPaymentButton, matched, candidate.Text)
		}
	}
	return nil
}

// CheckNavigation screens a target URL before the driver is sent there.
func (g *Guard) CheckNavigation(ctx context.Context, d automation.Driver, target string) error {
	page := &automation.Page{URL: target}
	if hit, matched := g.matcher.PageIndicatesPayment(*page); hit {
		if current, err := d.Page(ctx); err == nil {
			page.Title = current.Title
		}
		return g.trip(ctx, d, page, ReasonPaymentPage, matched, "")
	}
	return nil
}

func (g *Guard) trip(ctx context.Context, d automation.Driver, page *automation.Page, reason Reason, matched, buttonText string) error {
	ev := Evidence{
		URL:        page.URL,
		Timestamp:  g.clock(),
		Reason:     reason,
		ButtonText: buttonText,
		PageTitle:  page.Title,
		Matched:    matched,
	}
	if shot, err := d.Screenshot(ctx); err == nil {
		ev.Screenshot = shot
	} else {
		g.logger.WarnContext(ctx, "guardrail screenshot failed", "error", err)
	}

	tripsTotal.WithLabelValues(string(reason)).Inc()
	g.logger.WarnContext(ctx, "payment guardrail tripped",
		"reason", reason,
		"matched", matched,
		"url", ev.URL,
		"page_title", ev.PageTitle,
		"button_text", buttonText,
		"log_type", "audit",
	)
	return &TrippedError{Reason: reason, Evidence: ev}
}
