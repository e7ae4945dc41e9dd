package httpapi

import (
	"github.com/gin-gonic/gin"

	"storefront-ledger/internal/rbac"
)

// Register mounts the authenticated /v1 API. authMW must put the caller identity into the
// request context.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc, limiter InFlightLimiter) {
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())

	// customer routes; admins may call them too, but /card always means the caller's own card
	customer := v1.Group("")
	customer.Use(rbac.RequireAnyRole(rbac.RoleCustomer, rbac.RoleAdmin))
	{
		customer.POST("/card", h.CreateCard)
		customer.GET("/card", h.GetCard)
		customer.POST("/card/online-payments", h.SetOnlinePayments)
		customer.GET("/card/transactions", h.ListMyTransactions)
		customer.GET("/card/events", h.StreamEvents)

		payments := customer.Group("/payments")
		payments.Use(LimitInFlight(limiter))
		payments.POST("", h.CreatePayment)
		payments.GET("/:id", h.GetPayment)
		payments.POST("/:id/authorize", h.AuthorizePayment)
		payments.POST("/:id/confirm", h.ConfirmPayment)
		payments.POST("/:id/void", h.VoidPayment)
	}

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/cards/:id/balance", h.AdjustBalance)
		admin.POST("/cards/:id/status", h.SetStatus)
		admin.GET("/cards/:id/transactions", h.ListCardTransactions)
		admin.GET("/cards/:id/summary", h.CardSummary)
		admin.GET("/cards/:id/verify", h.VerifyChain)
		admin.GET("/operations", h.ListOperations)
		admin.POST("/payments/:id/refund", h.RefundPayment)
		admin.GET("/reconcile", h.LastReconcile)
		admin.POST("/reconcile", h.Reconcile)
	}
}
