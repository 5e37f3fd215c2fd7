package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/befree-health/scheduling-api/internal/models"
)

type realtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string, role models.UserRole) error
}

// RealtimeHandler upgrades authenticated requests to websocket connections.
type RealtimeHandler struct {
	server realtimeServer
}

// NewRealtimeHandler builds a new handler.
func NewRealtimeHandler(server realtimeServer) *RealtimeHandler {
	return &RealtimeHandler{server: server}
}

// Connect godoc
// @Summary Open the realtime event stream
// @Description Delivers room events and relays typing/read presence between session participants.
// @Tags Realtime
// @Param token query string false "Bearer token when headers cannot be set"
// @Success 101
// @Failure 401 {object} response.Envelope
// @Router /ws [get]
func (h *RealtimeHandler) Connect(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	if err := h.server.Serve(c.Writer, c.Request, claims.UserID, claims.Role); err != nil {
		// The upgrader already wrote the failure response.
		_ = c.Error(err)
	}
}
