// Package telemetry provides application-level observability for the credential registry.
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<CRS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router, keeping the
// scrape path off the public ingress.
//
// HTTP metrics use c.FullPath() (route template such as /v1/keys/:id) rather
// than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Credential lifecycle metrics.
//
// KeyGenerationAttemptsTotal counts every token minting attempt by outcome
// ("success", "collision", "error"). A sustained collision rate above zero
// means the token space is being mismanaged somewhere and deserves a look.
//
// KeyGenerationExhaustedTotal counts requests that burned the entire retry
// budget. This is the one counter worth paging on: with 256-bit tokens it
// should stay at zero for the lifetime of the deployment.
//
// KeyValidationsTotal counts key validation requests by outcome
// ("valid", "invalid_client_id", "invalid_client_secret", "key_not_found",
// "key_expired", "error").
var (
	KeyGenerationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_generation_attempts_total",
			Help: "Total API key token minting attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	KeyGenerationExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "key_generation_exhausted_total",
			Help: "Total key creation requests that exhausted the collision retry budget.",
		},
	)

	KeyValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_validations_total",
			Help: "Total API key validation requests, by outcome.",
		},
		[]string{"outcome"},
	)

	ServiceAccountsProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "service_accounts_provisioned_total",
			Help: "Total service accounts created on first key issuance.",
		},
	)

	KeyExpiryWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "key_expiry_warnings_total",
			Help: "Total one-time warnings emitted for keys approaching expiry.",
		},
	)
)

// Database connection pool gauges, polled periodically from main.go.
var (
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Current number of open database connections.",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Current number of database connections in use.",
		},
	)
)

// PollDBStats updates the connection pool gauges every interval until stop is
// closed, warning when the pool is saturated. Run it in a background
// goroutine. maxConns is the configured pool ceiling; zero disables the
// saturation warning.
func PollDBStats(db *sql.DB, interval time.Duration, maxConns int, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := db.Stats()
			DBConnectionsOpen.Set(float64(stats.OpenConnections))
			DBConnectionsInUse.Set(float64(stats.InUse))
			LogPoolExhaustion(stats, maxConns)
		case <-stop:
			return
		}
	}
}

// LogPoolExhaustion warns when every connection in the pool is in use.
func LogPoolExhaustion(stats sql.DBStats, maxConns int) {
	if maxConns > 0 && stats.InUse >= maxConns {
		slog.Warn("database connection pool saturated",
			"in_use", stats.InUse,
			"max", maxConns,
			"wait_count", stats.WaitCount,
		)
	}
}
