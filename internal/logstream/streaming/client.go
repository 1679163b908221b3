package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024

	// Outbound buffer per client
	sendBuffer = 256
)

// SubscriptionMessage is the control frame observers send to pick topics.
// Topic "all" selects every deployment's events.
type SubscriptionMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one websocket observer. Its broker subscriptions are owned here
// and cancelled together when the connection drops.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu         sync.Mutex
	subs       map[string]*broker.Subscription
	closed     bool
	closeOnce  sync.Once
	forwarders sync.WaitGroup
}

// NewClient wraps an upgraded websocket connection. Start ReadPump and
// WritePump in separate goroutines.
func NewClient(id string, hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		logger: log.WithFields(
			zap.String("component", "log-stream-client"),
			zap.String("client_id", id)),
		subs: make(map[string]*broker.Subscription),
	}
}

// ReadPump consumes control messages until the connection drops, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("Websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Ignoring malformed control message", zap.Error(err))
			continue
		}
		c.handleControl(msg)
	}
}

// WritePump pushes queued events to the peer and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// detach hands the client back to the hub for removal. When the hub has
// already shut down its Run loop, nothing is draining unregister, so the
// client cleans up directly instead of blocking forever.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.shutdown:
		c.close()
	}
}

func (c *Client) handleControl(msg SubscriptionMessage) {
	switch msg.Action {
	case "subscribe":
		for _, topic := range msg.Topics {
			c.subscribe(topic)
		}
	case "unsubscribe":
		for _, topic := range msg.Topics {
			c.unsubscribe(topic)
		}
	default:
		c.logger.Warn("Unknown control action", zap.String("action", msg.Action))
	}
}

// subscribe attaches the client to a broker topic. The broker pre-seeds the
// subscription with buffered history, so the forwarder replays it before any
// live event.
func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.subs[topic]; ok {
		return
	}

	sub := c.hub.broker.Subscribe(topic, c.id)
	c.subs[topic] = sub
	c.forwarders.Add(1)
	go c.forward(sub)
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if ok {
		sub.Cancel()
	}
}

// forward copies one broker subscription into the outbound queue. A queue
// that stays full means the peer stopped reading; the connection is dropped
// rather than letting events back up.
func (c *Client) forward(sub *broker.Subscription) {
	defer c.forwarders.Done()
	for event := range sub.Events() {
		data, err := json.Marshal(event)
		if err != nil {
			c.logger.Error("Failed to marshal log event", zap.Error(err))
			continue
		}
		select {
		case c.send <- data:
		default:
			c.logger.Warn("Dropping slow log stream client")
			go c.close()
			return
		}
	}
}

// close cancels all broker subscriptions, waits for their forwarders to
// drain, and closes the outbound queue. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := make([]*broker.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*broker.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
		c.forwarders.Wait()
		close(c.send)
	})
}
