package api

import (
	"payments-api/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, handler *PaymentHandler) {
	// API route group
	api := r.Group("/api")
	{
		payments := api.Group("/payments")
		{
			// Public routes
			payments.GET("/plans", handler.GetMembershipPlans)
			payments.GET("/methods", handler.GetPaymentMethods)

			// Gateway callback (no auth; signature verified in the service)
			payments.POST("/webhook", handler.HandleWebhook)

			// Authenticated user routes
			authed := payments.Group("")
			authed.Use(middleware.AuthMiddleware())
			{
				authed.POST("/initiate", middleware.InitiateRateLimit(), handler.InitiatePayment)
				authed.GET("/:paymentId/status", handler.CheckPaymentStatus)
				authed.GET("/history", handler.GetPaymentHistory)
			}

			// Admin routes
			admin := payments.Group("")
			admin.Use(middleware.AuthMiddleware(), middleware.RequireAdmin())
			{
				admin.POST("/:paymentId/refund", handler.RefundPayment)
				admin.GET("/stats", handler.GetPaymentStats)
			}
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "payments-service",
		})
	})
}
