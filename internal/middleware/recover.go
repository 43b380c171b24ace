package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/ashureev/adk-chat-ui/internal/api"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Recover turns a handler panic into the JSON error envelope the UI expects.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", chiMiddleware.GetReqID(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()))
				api.Fail(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
