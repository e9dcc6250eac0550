package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

// pushServer is a minimal websocket endpoint that records subscriptions and
// lets the test push events to the most recent connection.
type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs []string
	conn *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ps.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conn = conn
		ps.mu.Unlock()
		for {
			var msg map[string]string
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "subscribe" {
				ps.mu.Lock()
				ps.subs = append(ps.subs, msg["channel"])
				ps.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) push(t *testing.T, ev model.Event) {
	t.Helper()
	ps.mu.Lock()
	conn := ps.conn
	ps.mu.Unlock()
	if conn == nil {
		t.Fatalf("no connection to push to")
	}
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (ps *pushServer) dropConn() {
	ps.mu.Lock()
	conn := ps.conn
	ps.conn = nil
	ps.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (ps *pushServer) subscriptions() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.subs...)
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client state %s, want %s", c.State(), want)
}

func TestClientConnectsAndReceivesPush(t *testing.T) {
	ps := newPushServer(t)

	var fetches atomic.Int64
	events := make(chan model.Event, 8)
	var latencies atomic.Int64

	c := New(Config{
		URL:               ps.url(),
		Channels:          []string{"match:m1", "market:mk1"},
		PollInterval:      20 * time.Millisecond,
		ReconcileInterval: time.Hour,
	}, func(context.Context) error {
		fetches.Add(1)
		return nil
	}, func(ev model.Event) {
		events <- ev
	}, zap.NewNop())
	c.SetLatencyObserver(func(time.Duration) { latencies.Add(1) })

	c.Start(context.Background())
	defer c.Close()
	waitState(t, c, StateConnected)

	// Connecting reconciles once and subscribes the configured channels.
	if fetches.Load() != 1 {
		t.Fatalf("fetches on connect %d, want 1", fetches.Load())
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(ps.subscriptions()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if subs := ps.subscriptions(); len(subs) != 2 || subs[0] != "match:m1" {
		t.Fatalf("subscriptions %v", subs)
	}

	ps.push(t, model.Event{Type: "marketTick", Channel: "market:mk1", EmittedAt: time.Now().UnixMilli()})
	select {
	case ev := <-events:
		if ev.Type != "marketTick" {
			t.Fatalf("got event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push never delivered")
	}
	if latencies.Load() != 1 {
		t.Fatalf("latency observed %d times, want 1", latencies.Load())
	}
}

func TestClientFallsBackToPolling(t *testing.T) {
	var fetches atomic.Int64
	c := New(Config{
		URL:          "ws://127.0.0.1:1/ws", // nothing listens here
		PollInterval: 10 * time.Millisecond,
	}, func(context.Context) error {
		fetches.Add(1)
		return nil
	}, nil, zap.NewNop())

	c.Start(context.Background())
	defer c.Close()

	// With no server, the client settles into the poll loop and keeps
	// fetching on the poll cadence.
	deadline := time.Now().Add(3 * time.Second)
	for fetches.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fetches.Load() < 3 {
		t.Fatalf("only %d poll fetches", fetches.Load())
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	ps := newPushServer(t)

	var fetches atomic.Int64
	c := New(Config{
		URL:               ps.url(),
		Channels:          []string{"match:m1"},
		PollInterval:      10 * time.Millisecond,
		ReconcileInterval: time.Hour,
	}, func(context.Context) error {
		fetches.Add(1)
		return nil
	}, nil, zap.NewNop())

	c.Start(context.Background())
	defer c.Close()
	waitState(t, c, StateConnected)

	ps.dropConn()

	// The client notices, re-dials, and reconciles again on the new
	// connection.
	deadline := time.Now().Add(3 * time.Second)
	for fetches.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fetches.Load() < 2 {
		t.Fatalf("no reconcile after reconnect: %d fetches", fetches.Load())
	}
	waitState(t, c, StateConnected)
}

func TestClientCloseStops(t *testing.T) {
	c := New(Config{
		URL:          "ws://127.0.0.1:1/ws",
		PollInterval: 5 * time.Millisecond,
	}, nil, nil, zap.NewNop())

	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("state %s after close", c.State())
	}
}
