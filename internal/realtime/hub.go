package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

// ClientMsg is one control message from a websocket client.
// Type is subscribe, unsubscribe, or ping; Channel is required for the
// first two (e.g. "match:<id>", "market:<id>", "session:<id>").
type ClientMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Hub tracks websocket connections and their channel subscriptions, and
// fans server events out to the subscribed clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu sync.RWMutex
	// channel -> set of connections
	subs map[string]map[*websocket.Conn]struct{}
}

func NewHub(allowOrigin func(r *http.Request) bool, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		logger:   logger,
		subs:     make(map[string]map[*websocket.Conn]struct{}),
	}
}

// HandleWS runs the read loop for one websocket connection. A client may
// subscribe to any number of channels; on disconnect it is dropped from
// all of them.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var msg ClientMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "subscribe":
			h.mu.Lock()
			if _, ok := h.subs[msg.Channel]; !ok {
				h.subs[msg.Channel] = make(map[*websocket.Conn]struct{})
			}
			h.subs[msg.Channel][conn] = struct{}{}
			h.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			if set, ok := h.subs[msg.Channel]; ok {
				delete(set, conn)
				if len(set) == 0 {
					delete(h.subs, msg.Channel)
				}
			}
			h.mu.Unlock()
		case "ping":
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}

	h.mu.Lock()
	for _, set := range h.subs {
		delete(set, conn)
	}
	h.mu.Unlock()
}

// Broadcast sends one event to every client subscribed to its channel.
// Slow or broken clients only lose their own delivery.
func (h *Hub) Broadcast(ev model.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.subs[ev.Channel]))
	for c := range h.subs[ev.Channel] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal realtime event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, raw)
	}
}

// Subscribers reports the number of connections on one channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
