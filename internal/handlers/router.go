package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/internal/middleware"
	"github.com/mossy-p/campus-signaling/internal/services"
	"github.com/mossy-p/campus-signaling/internal/signaling"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Config        *config.Config
	Resolver      *ice.Resolver
	Channel       *signaling.Channel
	Chats         *services.ChatService
	Calls         *services.CallHistoryService
	Notifications *services.NotificationService
}

// NewRouter builds the gin engine with every route of the service.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Config == nil || deps.Resolver == nil || deps.Channel == nil ||
		deps.Chats == nil || deps.Calls == nil || deps.Notifications == nil {
		return nil, errors.New("router: all dependencies are required")
	}
	cfg := deps.Config

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())
	router.Use(OriginFilter(cfg.Server.AllowedOrigins))
	router.NoRoute(middleware.NotFoundHandler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.JWTAuth(cfg.Auth.JWTSecret)

	chats := NewChatHandler(deps.Chats)
	calls := NewCallHandler(deps.Calls, deps.Chats)
	notifications := NewNotificationHandler(deps.Notifications, cfg.Server.AllowedOrigins)
	signal := NewSignalHandler(deps.Channel, deps.Chats, deps.Notifications, cfg.Signaling, cfg.Server.AllowedOrigins)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.Auth))

		authed := apiGroup.Group("", requireAuth)
		authed.GET("/ice-servers", ICEServers(deps.Resolver))

		authed.POST("/chats", chats.Create)
		authed.GET("/chats/:chatId", chats.Get)
		authed.DELETE("/chats/:chatId", chats.Delete)

		authed.POST("/calls", calls.Record)
		authed.GET("/calls", calls.List)
		authed.GET("/calls/:id", calls.Get)
		authed.DELETE("/calls/:id", calls.Delete)
		authed.DELETE("/calls", calls.DeleteAll)

		authed.GET("/notifications/preferences", notifications.GetPreferences)
		authed.PUT("/notifications/preferences", notifications.UpdatePreferences)
	}

	wsGroup := router.Group("/ws", requireAuth)
	{
		wsGroup.GET("/signal/:chatId", signal.HandleSignaling)
		wsGroup.GET("/notifications", notifications.Stream)
	}

	return router, nil
}
