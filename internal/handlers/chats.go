package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/internal/middleware"
	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/internal/services"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/logger"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

type ChatHandler struct {
	chats *services.ChatService
	log   *zap.Logger
}

func NewChatHandler(chats *services.ChatService) *ChatHandler {
	return &ChatHandler{chats: chats, log: logger.WithModule("chats")}
}

// Create opens (or returns) the caller's chat with peerId.
func (h *ChatHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	chat, err := h.chats.Create(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.log.Info("chat opened", zap.String("chat_id", chat.ID), zap.String("user_id", userID))
	response.Success(c, http.StatusCreated, chat)
}

// Get returns the chat and who is on its signaling channel. Members only.
func (h *ChatHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	chat, err := h.chats.Get(ctx, userID, c.Param("chatId"))
	if err != nil {
		response.Error(c, err)
		return
	}

	online, err := h.chats.Online(ctx, chat.ID)
	if err != nil {
		h.log.Warn("presence unavailable", zap.String("chat_id", chat.ID), zap.Error(err))
		online = []string{}
	}
	response.Success(c, http.StatusOK, models.ChatResponse{Chat: *chat, Online: online})
}

// Delete removes a chat. Members only.
func (h *ChatHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	chatID := c.Param("chatId")
	if err := h.chats.Delete(c.Request.Context(), userID, chatID); err != nil {
		response.Error(c, err)
		return
	}

	h.log.Info("chat deleted", zap.String("chat_id", chatID), zap.String("user_id", userID))
	response.Success(c, http.StatusOK, gin.H{"deleted": chatID})
}
