package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TraceMiddleware assigns every request a trace id, honoring one supplied by
// the caller, and echoes it in the response. Run executions triggered over
// HTTP carry the id into the engine logs, which is how a posted entry is tied
// back to the admin call that caused it.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), traceContextKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
