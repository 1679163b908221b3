package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// Handlers owns the websocket endpoints for the log stream.
type Handlers struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandlers creates the streaming handlers.
func NewHandlers(hub *Hub, log *logger.Logger) *Handlers {
	return &Handlers{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "log-stream-handlers")),
	}
}

// RegisterRoutes wires the websocket endpoints into the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/logs/:clientId", h.HandleLogStream)
}

// HandleLogStream upgrades the connection and attaches the observer to the
// hub. Topic selection happens over the socket with subscribe messages.
func (h *Handlers) HandleLogStream(c *gin.Context) {
	clientID := c.Param("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return
	}

	client := NewClient(clientID, h.hub, conn, h.logger)
	select {
	case h.hub.register <- client:
	case <-h.hub.shutdown:
		client.close()
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
