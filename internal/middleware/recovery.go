// Package middleware holds the small set of net/http middlewares this
// core needs for its debug/metrics HTTP surface.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/flockwave-go/mavlink-core/internal/logging"
)

// Recovery creates a panic recovery middleware, mirroring the teacher's
// HTTP server hardening but logging through this core's leveled logger.
func Recovery(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic serving %s: %v\n%s", r.URL.Path, err, debug.Stack())
					w.WriteHeader(http.StatusInternalServerError)
					fmt.Fprint(w, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
