package main

import (
	"log"

	"payments-api/internal/api"
	"payments-api/internal/config"
	"payments-api/internal/database"
	"payments-api/internal/repository"
	"payments-api/internal/services"
	"payments-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Wire the payment service
	signer := services.NewSignatureService()
	gateway := services.NewDexchangeClient(
		config.AppConfig.DexchangeAPIURL,
		config.AppConfig.DexchangeAPIKey,
		config.AppConfig.DexchangeMerchantID,
		config.AppConfig.DexchangeSecretKey,
		signer,
	)
	paymentService := services.NewPaymentService(
		repository.NewPaymentRepository(database.GetDB()),
		repository.NewMembershipRepository(database.GetDB()),
		gateway,
		signer,
		config.AppConfig.DexchangeWebhookSecret,
		config.AppConfig.BackendURL+"/api/payments/webhook",
	)

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, api.NewPaymentHandler(paymentService))

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
