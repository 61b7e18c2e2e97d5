package middleware

import (
	"net/http"
	"strings"

	"payments-api/internal/config"
	"payments-api/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// AuthMiddleware validates the bearer token issued by the identity
// service and stores the authenticated user id in the request context.
// Token issuance itself lives outside this service.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			response.JSON(c, http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Missing bearer token"))
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(config.AppConfig.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			response.JSON(c, http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid or expired token"))
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			response.JSON(c, http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid token claims"))
			c.Abort()
			return
		}

		userID, _ := claims["sub"].(string)
		if userID == "" {
			response.JSON(c, http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Token missing subject"))
			c.Abort()
			return
		}

		role, _ := claims["role"].(string)

		c.Set(ContextUserID, userID)
		c.Set(ContextRole, role)
		c.Next()
	}
}

// RequireAdmin restricts a route to tokens carrying the admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get(ContextRole); role != "admin" {
			response.JSON(c, http.StatusForbidden, response.Error(http.StatusForbidden, "Admin access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id stored by AuthMiddleware
func UserID(c *gin.Context) string {
	if value, exists := c.Get(ContextUserID); exists {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}
