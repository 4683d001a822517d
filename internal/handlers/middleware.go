package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// OriginFilter creates middleware that filters requests based on allowed origins
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// If no origin header (direct WebSocket connection), check Sec-WebSocket-Origin
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		allowed := originAllowed(allowedOrigins, origin)
		if !allowed && origin != "" {
			response.Error(c, apperrors.New("ORIGIN_NOT_ALLOWED", "Origin not allowed", http.StatusForbidden))
			return
		}

		if allowed {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(allowedOrigins []string, origin string) bool {
	return origin != "" && (slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin))
}
