package streaming

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type streamFixture struct {
	broker *broker.Broker
	hub    *Hub
	server *httptest.Server
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()
	b := broker.New(log)
	hub := NewHub(b, log)
	go hub.Run()

	router := gin.New()
	NewHandlers(hub, log).RegisterRoutes(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		hub.Shutdown()
	})
	return &streamFixture{broker: b, hub: hub, server: server}
}

func (f *streamFixture) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/logs/" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, topics ...string) {
	t.Helper()
	msg := SubscriptionMessage{Action: "subscribe", Topics: topics}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *v1.LogEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	var event v1.LogEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return &event
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "observer-1")
	subscribe(t, conn, "deploy-1")

	// Give the server a moment to process the subscription
	waitForSubscribers(t, f.broker, "deploy-1", 1)

	for i := 0; i < 3; i++ {
		f.broker.Publish(&v1.LogEvent{
			DeploymentID: "deploy-1",
			Message:      fmt.Sprintf("line %d", i),
			Level:        v1.LogLevelInfo,
		})
	}

	for i := 0; i < 3; i++ {
		event := readEvent(t, conn)
		want := fmt.Sprintf("line %d", i)
		if event.Message != want {
			t.Errorf("event %d message = %q, want %q", i, event.Message, want)
		}
	}
}

func TestStreamReplaysHistoryOnSubscribe(t *testing.T) {
	f := newStreamFixture(t)

	for i := 0; i < 5; i++ {
		f.broker.Publish(&v1.LogEvent{
			DeploymentID: "deploy-1",
			Message:      fmt.Sprintf("old %d", i),
		})
	}

	conn := f.dial(t, "observer-1")
	subscribe(t, conn, "deploy-1")

	for i := 0; i < 5; i++ {
		event := readEvent(t, conn)
		want := fmt.Sprintf("old %d", i)
		if event.Message != want {
			t.Errorf("replayed event %d = %q, want %q", i, event.Message, want)
		}
	}
}

func TestStreamAllTopic(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "observer-1")
	subscribe(t, conn, broker.TopicAll)

	waitForSubscribers(t, f.broker, broker.TopicAll, 1)

	f.broker.Publish(&v1.LogEvent{DeploymentID: "deploy-1", Message: "from one"})
	f.broker.Publish(&v1.LogEvent{DeploymentID: "deploy-2", Message: "from two"})

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	if first.DeploymentID != "deploy-1" || second.DeploymentID != "deploy-2" {
		t.Errorf("got deployments %s, %s; want deploy-1, deploy-2",
			first.DeploymentID, second.DeploymentID)
	}
}

func TestStreamUnsubscribeStopsDelivery(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "observer-1")
	subscribe(t, conn, "deploy-1")
	waitForSubscribers(t, f.broker, "deploy-1", 1)

	msg := SubscriptionMessage{Action: "unsubscribe", Topics: []string{"deploy-1"}}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send unsubscribe: %v", err)
	}
	waitForSubscribers(t, f.broker, "deploy-1", 0)

	f.broker.Publish(&v1.LogEvent{DeploymentID: "deploy-1", Message: "after unsubscribe"})

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no event after unsubscribe")
	}
}

func TestStreamClientCleanupOnDisconnect(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "observer-1")
	subscribe(t, conn, "deploy-1")
	waitForSubscribers(t, f.broker, "deploy-1", 1)

	_ = conn.Close()

	waitForSubscribers(t, f.broker, "deploy-1", 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.hub.ClientCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.hub.ClientCount(); got != 0 {
		t.Errorf("client count after disconnect = %d, want 0", got)
	}
}

func TestClientDetachAfterHubShutdown(t *testing.T) {
	log := logger.Default()
	hub := NewHub(broker.New(log), log)
	go hub.Run()
	hub.Shutdown()

	// No Run loop is draining unregister anymore; detach must still return.
	client := NewClient("observer-1", hub, nil, log)
	done := make(chan struct{})
	go func() {
		client.detach()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detach blocked after hub shutdown")
	}

	// The client cleaned itself up; its send channel is closed
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel to be closed")
		}
	default:
		t.Error("expected send channel to be closed")
	}
}

func waitForSubscribers(t *testing.T, b *broker.Broker, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(topic) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers on %s, got %d",
		want, topic, b.SubscriberCount(topic))
}
