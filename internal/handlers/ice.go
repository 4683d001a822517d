package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/campus-signaling/internal/ice"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// ICEServersResponse mirrors RTCConfiguration.iceServers.
type ICEServersResponse struct {
	ICEServers []ice.Server `json:"iceServers"`
}

// ICEServers serves GET /api/ice-servers. It always answers 200; provider failures degrade
// to the built-in lists.
func ICEServers(resolver *ice.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, http.StatusOK, ICEServersResponse{
			ICEServers: resolver.Resolve(c.Request.Context()),
		})
	}
}
