// Package middleware provides the Gin HTTP middleware for the credential
// registry. All middleware in this package is registered in
// internal/api/router.go before any route handlers so that every request is
// covered regardless of handler.
package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/credential-registry/credential-registry/internal/telemetry"
)

// Observe returns a Gin handler that records one structured log line and two
// Prometheus metrics for every request that passes through the router.
//
// Recorded metrics:
//   - http_requests_total{method, path, status}    — CounterVec
//   - http_request_duration_seconds{method, path}  — HistogramVec
//
// The path label is set from c.FullPath(), which returns the matched Gin
// route template (e.g. /v1/keys/:id) rather than the raw URL. Requests that
// do not match any registered route (404/405) use the literal string
// "<no-route>" so unhandled paths do not inflate label cardinality.
//
// This middleware must be registered AFTER gin.Recovery() and RequestID so
// that the status set by error handlers is captured correctly:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestID())
//	router.Use(Observe())
func Observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Resolve the route template; fall back for 404/405 situations.
		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start)
		method := c.Request.Method
		status := c.Writer.Status()

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

		requestID, _ := c.Get(RequestIDKey)
		attrs := []any{
			"method", method,
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"request_id", requestID,
		}
		switch {
		case status >= 500:
			slog.Error("http request", attrs...)
		case status >= 400:
			slog.Warn("http request", attrs...)
		default:
			slog.Info("http request", attrs...)
		}
	}
}
