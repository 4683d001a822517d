package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/campus-signaling/internal/middleware"
	"github.com/mossy-p/campus-signaling/internal/models"
	"github.com/mossy-p/campus-signaling/internal/services"
	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// RecordCallRequest is the body of POST /api/calls. The caller is always the owner of the
// first row; BothParticipants also writes the peer's copy and requires a chat shared with them.
type RecordCallRequest struct {
	PeerID           string            `json:"peerId" binding:"required"`
	ChatID           string            `json:"chatId"`
	CallType         models.CallType   `json:"callType" binding:"required"`
	Status           models.CallStatus `json:"status" binding:"required"`
	StartedAt        time.Time         `json:"startedAt" binding:"required"`
	DurationSeconds  *int              `json:"durationSeconds"`
	BothParticipants bool              `json:"bothParticipants"`
}

type CallHandler struct {
	calls *services.CallHistoryService
	chats ChatDirectory
}

func NewCallHandler(calls *services.CallHistoryService, chats ChatDirectory) *CallHandler {
	return &CallHandler{calls: calls, chats: chats}
}

func (h *CallHandler) Record(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req RecordCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	if req.ChatID != "" {
		peer, err := h.chats.PeerOf(ctx, req.ChatID, userID)
		if err != nil {
			response.Error(c, err)
			return
		}
		if peer != req.PeerID {
			response.Error(c, apperrors.NewBadRequest("peerId is not the other member of chatId"))
			return
		}
	} else if req.BothParticipants {
		response.Error(c, apperrors.NewBadRequest("chatId is required to record for both participants"))
		return
	}

	input := services.RecordCallInput{
		ParticipantID:   userID,
		PeerID:          req.PeerID,
		ChatID:          req.ChatID,
		CallType:        req.CallType,
		Status:          req.Status,
		StartedAt:       req.StartedAt,
		DurationSeconds: req.DurationSeconds,
	}

	var ids []string
	if req.BothParticipants {
		recorded, err := h.calls.RecordForParticipants(ctx, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		ids = recorded
	} else {
		id, err := h.calls.Record(ctx, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		ids = []string{id}
	}

	response.Success(c, http.StatusCreated, gin.H{"ids": ids})
}

// List serves GET /api/calls?view=latest|all&limit=n.
func (h *CallHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	input := services.ListCallsInput{ParticipantID: userID}
	switch view := c.DefaultQuery("view", "all"); view {
	case "all":
	case "latest":
		input.MostRecentPerPeer = true
	default:
		response.Error(c, apperrors.NewBadRequest("view must be latest or all"))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.Error(c, apperrors.NewBadRequest("limit must be a positive integer"))
			return
		}
		input.Limit = limit
	}

	calls, err := h.calls.List(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, calls)
}

func (h *CallHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	call, err := h.calls.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, call)
}

func (h *CallHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	id := c.Param("id")
	if err := h.calls.Delete(c.Request.Context(), userID, id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": id})
}

func (h *CallHandler) DeleteAll(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	n, err := h.calls.DeleteAll(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": n})
}
