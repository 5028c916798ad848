package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/swapdesk/internal/auth"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/users"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registered(t *testing.T, h *Hub, userID string, staff bool, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 256), userID: userID, staff: staff, sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return &e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("unexpected event %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// shouldSend
// ---------------------------------------------------------------------------

func TestShouldSend_Visibility(t *testing.T) {
	h := testHub()
	staff := &Client{userID: "u-op", staff: true}
	owner := &Client{userID: "u-alice"}
	other := &Client{userID: "u-bob"}

	event := &Event{Type: "buy_request.updated", UserID: "u-alice"}

	if !h.shouldSend(staff, event) {
		t.Error("staff should see every event")
	}
	if !h.shouldSend(owner, event) {
		t.Error("owner should see own event")
	}
	if h.shouldSend(other, event) {
		t.Error("other users must not see the event")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "u-op", staff: true, sub: Subscription{
		EventTypes: []string{"withdrawal.created", "dispute.opened"},
	}}

	if !h.shouldSend(client, &Event{Type: "dispute.opened"}) {
		t.Error("should receive dispute.opened")
	}
	if h.shouldSend(client, &Event{Type: "buy_request.created"}) {
		t.Error("should NOT receive buy_request.created")
	}
}

func TestShouldSend_FilterCannotWidenVisibility(t *testing.T) {
	h := testHub()
	client := &Client{userID: "u-bob", sub: Subscription{EventTypes: []string{"buy_request.updated"}}}

	if h.shouldSend(client, &Event{Type: "buy_request.updated", UserID: "u-alice"}) {
		t.Error("subscription must not expose other users' events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)
	client := registered(t, h, "u-alice", false, Subscription{})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishRoutesByOwner(t *testing.T) {
	h := startHub(t)
	alice := registered(t, h, "u-alice", false, Subscription{})
	bob := registered(t, h, "u-bob", false, Subscription{})
	op := registered(t, h, "u-op", true, Subscription{})

	h.Publish("buy_request.created", "u-alice", map[string]string{"id": "BR1"})

	if e := receive(t, alice); e.Type != "buy_request.created" || e.UserID != "u-alice" {
		t.Errorf("alice got %+v", e)
	}
	if e := receive(t, op); e.Type != "buy_request.created" {
		t.Errorf("operator got %+v", e)
	}
	assertSilent(t, bob)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("Expected 1 total event, got %d", got)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

func TestHandleWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := startHub(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		switch c.Query("as") {
		case "alice":
			c.Set(auth.ContextKeyIdentity, auth.Identity{UserID: "u-alice", Username: "alice", Role: users.RoleUser})
		case "op":
			c.Set(auth.ContextKeyIdentity, auth.Identity{UserID: "u-op", Username: "op", Role: users.RoleOperator})
		}
		c.Next()
	})
	r.GET("/v1/ws", auth.RequireAuth(), h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("anonymous dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?as=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish("withdrawal.created", "u-bob", nil)
	h.Publish("withdrawal.created", "u-alice", map[string]string{"id": "wd_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.UserID != "u-alice" || e.Type != "withdrawal.created" {
		t.Errorf("expected alice's withdrawal event, got %+v", e)
	}
}
