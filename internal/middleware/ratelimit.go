package middleware

import (
	"fmt"
	"net/http"
	"time"

	"payments-api/internal/config"
	"payments-api/internal/database"
	"payments-api/internal/response"
	"payments-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// InitiateRateLimit bounds how often a user may start payments, so a
// misbehaving client cannot flood the gateway with initiations. Counters
// live in Redis with a rolling window; when Redis is unavailable the
// request is allowed through rather than blocking payments.
func InitiateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			c.Next()
			return
		}

		key := fmt.Sprintf("payment_initiate:%s", userID)
		window := time.Duration(config.AppConfig.InitiateRateMinutes) * time.Minute

		count, err := database.GetRedis().Incr(c.Request.Context(), key).Result()
		if err != nil {
			logging.Errorf("Rate limit check failed for user %s: %v", userID, err)
			c.Next()
			return
		}
		if count == 1 {
			if err := database.GetRedis().Expire(c.Request.Context(), key, window).Err(); err != nil {
				logging.Errorf("Failed to set rate limit expiry for user %s: %v", userID, err)
			}
		}

		if count > int64(config.AppConfig.InitiateRateLimit) {
			response.JSON(c, http.StatusTooManyRequests,
				response.Error(http.StatusTooManyRequests, "Too many payment attempts, please wait before retrying"))
			c.Abort()
			return
		}

		c.Next()
	}
}
