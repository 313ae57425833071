package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests that did not hit a registered route, so
// scanners probing random paths do not create new series
const unmatchedRoute = "unmatched"

// HTTPMiddleware records request count, latency and error category per
// chi route pattern
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		if category := ErrorCategory(status); category != "" {
			m.APIErrorsTotal.WithLabelValues(category).Inc()
		}
	})
}

// routeLabel returns the matched route pattern, e.g. /api/v1/broadcast/wave
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	// A subrouter that matched no route leaves its mount wildcard
	if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "/*") {
		return pattern
	}
	return unmatchedRoute
}

// ErrorCategory maps a control API status code to the error it reports.
// The categories follow how the API answers engine errors: a wrong admin
// PIN is forbidden, a missing API key unauthorized, an empty queue or
// campaign a validation error, a busy or running engine a conflict and a
// bot failure a delivery error. Success codes have no category.
func ErrorCategory(status int) string {
	switch {
	case status < 400:
		return ""
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusForbidden:
		return "forbidden"
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return "validation"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusNotFound, status == http.StatusMethodNotAllowed:
		return "not_found"
	case status == http.StatusBadGateway:
		return "delivery"
	case status >= 500:
		return "internal"
	default:
		return "client_error"
	}
}
