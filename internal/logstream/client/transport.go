package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

const (
	dialHandshakeTimeout = 5 * time.Second
	readLimit            = 1024 * 1024
	pongWait             = 60 * time.Second
)

// subscribeMessage is the control frame sent after the websocket handshake to
// attach this observer to a set of topics.
type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// WebSocketTransport dials the deployment server's log stream endpoint.
type WebSocketTransport struct {
	baseURL string
	logger  *logger.Logger
}

// NewWebSocketTransport creates a transport for the given server base URL,
// e.g. "ws://localhost:8080".
func NewWebSocketTransport(baseURL string, log *logger.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: baseURL,
		logger:  log.WithFields(zap.String("component", "log-ws-transport")),
	}
}

// Dial opens a websocket to /ws/logs/:clientID and subscribes to the topic.
// The returned Conn's Receive channel closes once the socket drops.
func (t *WebSocketTransport) Dial(ctx context.Context, topic string) (Conn, error) {
	endpoint, err := url.JoinPath(t.baseURL, "ws", "logs", uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("failed to build log stream URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial log stream: %w", err)
	}

	sub := subscribeMessage{Action: "subscribe", Topics: []string{topic}}
	if err := ws.WriteJSON(sub); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	conn := &wsConn{
		ws:     ws,
		events: make(chan *v1.LogEvent, 256),
		logger: t.logger,
	}
	go conn.readPump()
	return conn, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan *v1.LogEvent
	logger *logger.Logger
}

func (c *wsConn) Receive() <-chan *v1.LogEvent {
	return c.events
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// readPump decodes log events off the socket until it drops, answering server
// pings to keep the connection alive.
func (c *wsConn) readPump() {
	defer close(c.events)

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Log stream socket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var event v1.LogEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("Dropping malformed log event", zap.Error(err))
			continue
		}
		c.events <- &event
	}
}
