package main

import (
	"github.com/gin-gonic/gin"

	"storefront-ledger/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, limiter httpapi.InFlightLimiter) {
	// public
	r.GET("/healthz", h.Health)

	// protected API group
	h.Register(r, authMW, limiter)
}
