package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"carebridge/pkg/requestcontext"
)

// RequestID attaches a correlation id and a request-scoped timestamp to every
// request. The timestamp keeps "now" consistent across a single request's
// evaluators and store writes.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), reqID)
		ctx = requestcontext.WithTime(ctx, time.Now().UTC())
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
