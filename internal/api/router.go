// Package api wires together the HTTP routes for the credential registry.
//
// All five lifecycle routes live under /v1/keys. None of them sit behind an
// authentication middleware: validate IS the authentication operation, and
// the remaining routes are expected to run behind a private ingress the way
// an internal credential service does. /healthz is the liveness probe and
// includes a database ping.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/credential-registry/credential-registry/internal/api/apikeys"
	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/config"
	"github.com/credential-registry/credential-registry/internal/db/repositories"
	"github.com/credential-registry/credential-registry/internal/keys"
	"github.com/credential-registry/credential-registry/internal/middleware"
)

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, db *sqlx.DB, recorder audit.Recorder) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Observe())

	accountRepo := repositories.NewServiceAccountRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)

	svc := keys.NewService(accountRepo, apiKeyRepo, recorder, cfg.Keys.DefaultTTL())
	handlers := apikeys.NewHandlers(svc)

	v1 := router.Group("/v1")
	{
		v1.POST("/keys", handlers.CreateKeyHandler())
		v1.POST("/keys/validate", handlers.ValidateKeyHandler())
		v1.PATCH("/keys/:id", handlers.UpdateKeyHandler())
		v1.DELETE("/keys/:id", handlers.RemoveKeyHandler())
		v1.GET("/keys", handlers.ListKeysHandler())
	}

	router.GET("/healthz", healthCheckHandler(db))

	return router
}

// healthCheckHandler reports liveness, including database connectivity.
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
