package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Auth configuration
	JWTSecret string

	// DEXCHANGE payment gateway configuration
	DexchangeAPIURL        string
	DexchangeAPIKey        string
	DexchangeMerchantID    string
	DexchangeSecretKey     string
	DexchangeWebhookSecret string

	// Public base URL of this service, used to build the webhook callback URL
	BackendURL string

	// Rate limiting for payment initiation
	InitiateRateLimit   int
	InitiateRateMinutes int

	ServiceName string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                   getEnv("PORT", "8080"),
		Mode:                   getEnv("GIN_MODE", "debug"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		DexchangeAPIURL:        getEnv("DEXCHANGE_API_URL", "https://api.dexchange.sn"),
		DexchangeAPIKey:        getEnv("DEXCHANGE_API_KEY", ""),
		DexchangeMerchantID:    getEnv("DEXCHANGE_MERCHANT_ID", ""),
		DexchangeSecretKey:     getEnv("DEXCHANGE_SECRET_KEY", ""),
		DexchangeWebhookSecret: getEnv("DEXCHANGE_WEBHOOK_SECRET", ""),
		BackendURL:             getEnv("BACKEND_URL", "http://localhost:8080"),
		InitiateRateLimit:      getEnvInt("INITIATE_RATE_LIMIT", 10),
		InitiateRateMinutes:    getEnvInt("INITIATE_RATE_MINUTES", 1),
		ServiceName:            getEnv("SERVICE_NAME", "Payments Service"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
