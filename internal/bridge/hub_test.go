package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/hamdam/internal/models"
)

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}

	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
}

func TestHubRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	client := &Client{
		hub:  hub,
		send: make(chan Event, sendBuffer),
	}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("Expected 1 client after register, got %d", got)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("Expected 0 clients after unregister, got %d", got)
	}
	if _, ok := <-client.send; ok {
		t.Error("Client send channel was not closed")
	}
}

func TestRelayDeliversToEveryClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	client1 := &Client{hub: hub, send: make(chan Event, sendBuffer)}
	client2 := &Client{hub: hub, send: make(chan Event, sendBuffer)}
	hub.register <- client1
	hub.register <- client2

	hub.Relay(models.Message{ID: 7, Content: "Hello!", SenderID: 2, RecipientID: 1})

	for i, client := range []*Client{client1, client2} {
		select {
		case event := <-client.send:
			if event.Type != "message" {
				t.Errorf("client %d: expected message event, got %q", i+1, event.Type)
			}
			if event.Message == nil || event.Message.Content != "Hello!" {
				t.Errorf("client %d: unexpected payload %+v", i+1, event.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d did not receive the message", i+1)
		}
	}
}

func TestConnectionChangedBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan Event, sendBuffer)}
	hub.register <- client

	hub.ConnectionChanged("connected")

	select {
	case event := <-client.send:
		if event.Type != "connection" || event.State != "connected" {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive the connection event")
	}
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := &Client{hub: hub, send: make(chan Event, sendBuffer)}
	hub.register <- client

	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-client.send; ok {
		t.Error("Client send channel was not closed on shutdown")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("Expected 0 clients after shutdown, got %d", got)
	}
}

func TestWebSocketIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("WebSocket client was not registered in hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Relay(models.Message{ID: 3, Content: "salam", SenderID: 5, RecipientID: 9, Timestamp: "2024-05-01T10:00:00"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if event.Type != "message" || event.Message == nil || event.Message.ID != 3 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Message.Content != "salam" {
		t.Errorf("Expected 'salam', got %q", event.Message.Content)
	}
}
