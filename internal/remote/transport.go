package remote

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDContextKey contextKey = "request_id"

// WithRequestID pins the X-Request-Id sent for every request made with ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContextKey).(string)
	return value
}

// traceTransport stamps each request with an X-Request-Id and logs its outcome.
type traceTransport struct {
	base   http.RoundTripper
	logger *log.Logger
}

func newTraceTransport(base http.RoundTripper, logger *log.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &traceTransport{base: base, logger: logger}
}

func (t *traceTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = GetRequestID(r.Context())
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	outbound := r.Clone(r.Context())
	outbound.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	response, err := t.base.RoundTrip(outbound)
	if t.logger != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.logger.Printf(
			"trace request_id=%s method=%s path=%s status=%d duration_ms=%d err=%v",
			requestID,
			r.Method,
			r.URL.Path,
			status,
			time.Since(start).Milliseconds(),
			err,
		)
	}
	return response, err
}
