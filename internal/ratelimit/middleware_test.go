package ratelimit

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"enrollo/pkg/requestcontext"
)

func serve(h http.Handler, method, subject string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/jobs", nil)
	req = req.WithContext(requestcontext.WithSubject(req.Context(), subject))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPerSubject(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("writes are throttled separately from reads", func(t *testing.T) {
		l := New(map[Class]Limit{ClassWrite: {PerMinute: 1}, ClassRead: {PerMinute: 5}}, WithClock(func() time.Time { return now }))
		h := NewMiddleware(l, logger).PerSubject(ok)

		w := serve(h, http.MethodPost, "parent-1")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

		w = serve(h, http.MethodPost, "parent-1")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

		assert.Equal(t, http.StatusNoContent, serve(h, http.MethodGet, "parent-1").Code)
	})

	t.Run("disabled passes everything through", func(t *testing.T) {
		l := New(map[Class]Limit{ClassWrite: {PerMinute: 1}}, WithClock(func() time.Time { return now }))
		h := NewMiddleware(l, logger, WithDisabled(true)).PerSubject(ok)
		for range 3 {
			assert.Equal(t, http.StatusNoContent, serve(h, http.MethodPost, "parent-1").Code)
		}
		assert.Empty(t, serve(h, http.MethodPost, "parent-1").Header().Get("X-RateLimit-Limit"))
	})
}
