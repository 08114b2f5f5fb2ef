package testutil

import (
	"net/http"
	"time"

	"enrollo/internal/platform/middleware"
	"enrollo/pkg/requestcontext"
)

// AsSubject sets the gateway subject header the way the upstream gateway
// does for authenticated requests.
func AsSubject(req *http.Request, subject string) *http.Request {
	req.Header.Set(middleware.SubjectHeader, subject)
	return req
}

// WithSubject puts the subject straight into the request context, bypassing
// the middleware chain. Use it when calling a handler directly.
func WithSubject(req *http.Request, subject string) *http.Request {
	return req.WithContext(requestcontext.WithSubject(req.Context(), subject))
}

// WithTime pins the request time that handlers read through requestcontext.Now.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
