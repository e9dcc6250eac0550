package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, srv
}

func waitSubscribers(t *testing.T, h *Hub, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Subscribers(channel) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers (have %d)", channel, n, h.Subscribers(channel))
}

func TestHubSubscribeAndBroadcast(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	conn, srv := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	if err := conn.WriteJSON(ClientMsg{Type: "subscribe", Channel: "match:m1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSubscribers(t, h, "match:m1", 1)

	// An event on another channel is not delivered.
	h.Broadcast(model.Event{Type: "evmMatchUpdate", Channel: "match:other"})
	h.Broadcast(model.Event{Type: "evmMatchUpdate", Channel: "match:m1", EmittedAt: 42})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Channel != "match:m1" || ev.EmittedAt != 42 {
		t.Fatalf("got wrong event: %+v", ev)
	}
}

func TestHubUnsubscribeAndPing(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	conn, srv := dialHub(t, h)
	defer srv.Close()
	defer conn.Close()

	if err := conn.WriteJSON(ClientMsg{Type: "subscribe", Channel: "market:m1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSubscribers(t, h, "market:m1", 1)

	if err := conn.WriteJSON(ClientMsg{Type: "unsubscribe", Channel: "market:m1"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitSubscribers(t, h, "market:m1", 0)

	// Ping still answered after unsubscribe.
	if err := conn.WriteJSON(ClientMsg{Type: "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong map[string]string
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("got %v, want pong", pong)
	}
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	conn, srv := dialHub(t, h)
	defer srv.Close()

	if err := conn.WriteJSON(ClientMsg{Type: "subscribe", Channel: "session:s1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSubscribers(t, h, "session:s1", 1)

	conn.Close()
	waitSubscribers(t, h, "session:s1", 0)

	// Broadcasting to an empty channel is a no-op.
	h.Broadcast(model.Event{Type: "evmRewardUpdate", Channel: "session:s1"})
}
