package events

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"memoryvault/internal/pkg/jwt"
	"memoryvault/internal/pkg/response"
)

type WSHandler struct {
	hub        *Hub
	jwtService *jwt.Service
}

func NewWSHandler(hub *Hub, jwtService *jwt.Service) *WSHandler {
	return &WSHandler{hub: hub, jwtService: jwtService}
}

// HandleWebSocket serves GET /ws/memories?token=JWT. Browsers cannot set
// headers on websocket requests, so the token comes in the query.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, http.StatusUnauthorized, "AUTH_MISSING", "Token is required. Use ?token=YOUR_JWT_TOKEN")
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		response.Error(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
		return
	}

	conn, err := Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.hub.logger.Info("client connected", slog.String("user_id", claims.UserID), slog.Int("guilds", len(claims.Guilds)))
	h.hub.ServeWS(conn, claims.UserID, claims.Guilds)
	h.hub.logger.Info("client disconnected", slog.String("user_id", claims.UserID))
}

func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/memories", h.HandleWebSocket)
}
