package main

import (
	"database/sql"
	"time"

	"dialout-engine/internal/correlate"
	"dialout-engine/internal/dialer"
	"dialout-engine/internal/httpapi"
	"dialout-engine/internal/rbac"
	"dialout-engine/internal/telephony"
	"dialout-engine/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	authMW     gin.HandlerFunc
	dialer     *dialer.Service
	correlator *correlate.Correlator
	db         *sql.DB
	redis      *redis.Client
	provider   telephony.Provider
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := utils.HealthCheck(ctx, deps.db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := deps.redis.Ping(ctx).Err(); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		if err := deps.provider.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "telephony": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public). Exotel posts form-encoded callbacks here;
	// responses are always 200 so the provider never retries into a loop.
	{
		h := telephony.WebhookHandlers{Ingest: deps.correlator}
		r.POST("/webhooks/exotel/status", h.HandleStatus)
		// Exotel delivers DTMF passthru callbacks as GET with query params.
		r.GET("/webhooks/exotel/digits", h.HandleDigits)
		r.POST("/webhooks/exotel/digits", h.HandleDigits)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	{
		h := httpapi.Handlers{Dialer: deps.dialer}

		callRoutes := v1.Group("/calls")
		{
			callRoutes.POST("", rbac.RequireAnyRole(rbac.RoleCaller), h.InitiateCall)
			callRoutes.GET("/:call_id", rbac.RequireAnyRole(rbac.RoleCaller, rbac.RoleObserver), h.GetCall)
			callRoutes.POST("/:call_id/cancel", rbac.RequireAnyRole(rbac.RoleCaller), h.CancelCall)
		}
	}
}
