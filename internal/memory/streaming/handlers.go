package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP connections to external memory-stream websockets.
type WSHandler struct {
	hub *Hub
	log *logger.Logger
}

// NewWSHandler creates a WSHandler backed by hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.WithFields(zap.String("component", "memory_ws_handler"))}
}

// StreamSession handles GET /api/v1/sessions/:id/memory/stream.
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "MISSING_SESSION_ID", "message": "session id is required"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.log)
	h.hub.Register(client)
	h.hub.SubscribeClient(client, sessionID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles GET /api/v1/memory/stream, with dynamic subscription
// controlled by subscriptionMessages sent over the connection.
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.log)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes registers the external memory-stream websocket routes.
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/sessions/:id/memory/stream", handler.StreamSession)
	router.GET("/memory/stream", handler.StreamAll)
}
