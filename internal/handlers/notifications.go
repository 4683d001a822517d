package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/internal/middleware"
	"github.com/mossy-p/campus-signaling/internal/services"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

type NotificationHandler struct {
	notifications *services.NotificationService
	upgrader      websocket.Upgrader
	log           *zap.Logger
}

func NewNotificationHandler(notifications *services.NotificationService, allowedOrigins []string) *NotificationHandler {
	return &NotificationHandler{
		notifications: notifications,
		upgrader:      newUpgrader(allowedOrigins),
		log:           logger.WithModule("notifications"),
	}
}

func (h *NotificationHandler) GetPreferences(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	response.Success(c, http.StatusOK, h.notifications.Preferences(userID))
}

func (h *NotificationHandler) UpdatePreferences(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req services.UpdatePreferencesInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	prefs, err := h.notifications.UpdatePreferences(c.Request.Context(), userID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, prefs)
}

// Stream serves GET /ws/notifications, pushing the caller's alerts as JSON text frames.
func (h *NotificationHandler) Stream(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	client := newWSClient(conn, h.log.With(zap.String("user_id", userID)))
	defer client.shutdown()

	ctx := c.Request.Context()
	sub, err := h.notifications.Subscribe(ctx, userID, client.enqueue)
	if err != nil {
		client.log.Error("failed to subscribe to notifications", zap.Error(err))
		client.writeNow(controlFrame{Kind: "error", Error: "notifications unavailable"})
		return
	}
	defer sub.Close()

	client.enqueueJSON(controlFrame{Kind: "ready", Self: userID})
	go client.writePump()
	client.readPump(nil)
}
