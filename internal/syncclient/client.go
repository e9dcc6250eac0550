package syncclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kasracing/internal/model"
)

// State is the connection state of the hybrid sync client.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StatePolling    State = "polling"
	StateClosed     State = "closed"
)

// Fetcher performs one reconciliation fetch of authoritative state over
// HTTP. Called once on every (re)connect, on every poll tick while
// disconnected, and on a slower ticker while connected.
type Fetcher func(ctx context.Context) error

// Handler receives every inbound push event.
type Handler func(ev model.Event)

// Config tunes the sync client.
type Config struct {
	// URL is the websocket endpoint (ws://host/ws).
	URL string
	// Channels to subscribe on connect.
	Channels []string
	// PollInterval is the fallback poll cadence while disconnected.
	PollInterval time.Duration
	// ReconcileInterval is the hedge re-fetch cadence while connected; it
	// catches individually dropped push messages.
	ReconcileInterval time.Duration
	DialTimeout       time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Client keeps a consumer consistent with server state over a dual path:
// websocket push while connected, fixed-interval polling while not, and a
// periodic reconciliation fetch either way.
type Client struct {
	cfg     Config
	fetch   Fetcher
	handler Handler
	logger  *zap.Logger

	// latency, when set, observes push end-to-end delay per event.
	latency func(time.Duration)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, fetch Fetcher, handler Handler, logger *zap.Logger) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		fetch:   fetch,
		handler: handler,
		logger:  logger,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// SetLatencyObserver installs the push-latency callback. Diagnostic only;
// must be set before Start.
func (c *Client) SetLatencyObserver(fn func(time.Duration)) { c.latency = fn }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start runs the connection state machine until Close or ctx cancellation.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		defer c.setState(StateClosed)
		for ctx.Err() == nil {
			c.setState(StateConnecting)
			conn, err := c.dial(ctx)
			if err != nil {
				c.logger.Warn("sync connect failed", zap.Error(err))
				c.pollOnce(ctx)
				continue
			}
			c.runConnected(ctx, conn)
		}
	}()
}

// Close stops the state machine and all its timers.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, c.cfg.URL, nil)
	return conn, err
}

// runConnected owns one live connection: subscribe, reconcile once, then
// pump events while a slower ticker hedges against dropped pushes. Returns
// when the connection breaks or ctx ends.
func (c *Client) runConnected(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for _, ch := range c.cfg.Channels {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": ch}); err != nil {
			c.logger.Warn("subscribe failed", zap.String("channel", ch), zap.Error(err))
			return
		}
	}
	c.setState(StateConnected)
	c.reconcile(ctx)

	events := make(chan model.Event)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var ev model.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			c.logger.Warn("sync connection lost", zap.Error(err))
			return
		case ev := <-events:
			if c.latency != nil && ev.EmittedAt > 0 {
				c.latency(time.Since(time.UnixMilli(ev.EmittedAt)))
			}
			if c.handler != nil {
				c.handler(ev)
			}
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

// pollOnce waits one poll interval and runs the fallback fetch.
func (c *Client) pollOnce(ctx context.Context) {
	c.setState(StatePolling)
	t := time.NewTimer(c.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		c.reconcile(ctx)
	}
}

func (c *Client) reconcile(ctx context.Context) {
	if c.fetch == nil {
		return
	}
	if err := c.fetch(ctx); err != nil {
		c.logger.Warn("reconciliation fetch failed", zap.Error(err))
	}
}
