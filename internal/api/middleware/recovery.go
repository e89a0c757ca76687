package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/coralnet/visionbackend/internal/metrics"
)

// Recovery turns a handler panic into a 500 envelope and counts it.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			metrics.HTTPPanicsTotal.Inc()

			attrs := []any{
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			}
			if userID, ok := GetUserID(r); ok {
				attrs = append(attrs, "user_id", userID)
			}
			slog.Error("panic recovered", attrs...)
			response.InternalError(w)
		}()
		next.ServeHTTP(w, r)
	})
}
