package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/middleware"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required,max=64"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues development tokens. Any username/password is accepted; the username becomes
// the user id. Production deployments disable it and rely on tokens from the campus auth service.
func Login(cfg config.AuthConfig) gin.HandlerFunc {
	log := logger.WithModule("auth")
	return func(c *gin.Context) {
		if !cfg.DevLogin {
			response.Error(c, apperrors.ErrNotFound)
			return
		}

		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, apperrors.NewBadRequest("Invalid request body"))
			return
		}

		userID := strings.TrimSpace(req.Username)
		if userID == "" {
			response.Error(c, apperrors.NewBadRequest("username is required"))
			return
		}
		token, err := middleware.IssueToken(cfg.JWTSecret, userID, cfg.TokenTTL)
		if err != nil {
			log.Error("failed to sign token", zap.Error(err))
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
			return
		}

		response.Success(c, http.StatusOK, LoginResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
