package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
)

// recoverMiddleware turns a handler panic into a 500 instead of dropping the connection
func (a *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Errorw("Panic in HTTP handler",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal server error", nil, a.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
