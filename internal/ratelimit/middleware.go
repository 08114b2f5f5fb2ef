package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"enrollo/pkg/platform/httputil"
	"enrollo/pkg/requestcontext"
)

type Middleware struct {
	limiter  *Limiter
	logger   *slog.Logger
	metrics  *Metrics
	disabled bool
}

type MiddlewareOption func(*Middleware)

// WithDisabled turns the middleware into a pass-through.
func WithDisabled(disabled bool) MiddlewareOption {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func WithMetrics(metrics *Metrics) MiddlewareOption {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

func NewMiddleware(limiter *Limiter, logger *slog.Logger, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{limiter: limiter, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// PerSubject limits authenticated callers. Safe methods draw from the read
// budget, everything else from the write budget. Mount it after the subject
// has been resolved.
func (m *Middleware) PerSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		class := classify(r)
		subject := requestcontext.Subject(ctx)

		res := m.limiter.Allow(subject, class)
		addRateLimitHeaders(w, res)
		if !res.Allowed {
			m.metrics.IncDenied(class)
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"subject", subject,
				"class", class,
				"request_id", requestcontext.RequestID(ctx),
			)
			writeRateLimitExceeded(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func classify(r *http.Request) Class {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	default:
		return ClassWrite
	}
}

func addRateLimitHeaders(w http.ResponseWriter, res Result) {
	if res.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, res Result) {
	retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             "rate_limit_exceeded",
		"error_description": "Too many requests for this account. Please try again later.",
		"retry_after":       retryAfter,
	})
}
