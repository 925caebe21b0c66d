// Package eventfeed subscribes to the daemon's websocket event feed and hands
// decoded save events to a callback, reconnecting with backoff when the
// daemon restarts.
package eventfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/notify"
)

// ErrAlreadyConnected is returned by Connect on a live client.
var ErrAlreadyConnected = errors.New("eventfeed: already connected")

const (
	defaultReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 60 * time.Second
	handshakeTimeout      = 5 * time.Second
)

// Client is a websocket subscriber to notify.Hub.
type Client struct {
	url    string
	dialer websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	// Event handlers
	handlerMu      sync.RWMutex
	onEvent        func(notify.Event)
	onDisconnected func()

	// Reconnection
	reconnectEnabled atomic.Bool
	reconnectDelay   time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once

	received atomic.Uint64
	lastMu   sync.Mutex
	last     notify.Event
	hasLast  bool
}

// NewClient creates a client for a ws:// URL such as ws://127.0.0.1:7878/events.
func NewClient(url string) *Client {
	c := &Client{
		url:            url,
		dialer:         websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		reconnectDelay: defaultReconnectDelay,
		stopChan:       make(chan struct{}),
	}
	c.reconnectEnabled.Store(true)
	return c
}

// Connect dials the feed and starts the reader goroutine.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("eventfeed: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventFeedConnected,
		Payload: map[string]interface{}{"url": c.url},
	})

	go c.readMessages(conn)
	return nil
}

func (c *Client) readMessages(conn *websocket.Conn) {
	defer func() {
		c.disconnect(conn)
		if c.reconnectEnabled.Load() {
			c.reconnect()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				c.handlerMu.RLock()
				fn := c.onDisconnected
				c.handlerMu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			return
		}

		var e notify.Event
		if err := json.Unmarshal(data, &e); err != nil || e.Kind == "" {
			continue
		}
		c.received.Add(1)
		c.lastMu.Lock()
		c.last, c.hasLast = e, true
		c.lastMu.Unlock()

		c.handlerMu.RLock()
		fn := c.onEvent
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(e)
		}
	}
}

// disconnect closes conn if it is still the current connection.
func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn != conn {
		return
	}
	c.log(diaglog.LogEntry{
		Event:   diaglog.EventFeedDisconnected,
		Payload: map[string]interface{}{"url": c.url},
	})
	_ = c.conn.Close()
	c.conn = nil
	c.connected = false
}

// reconnect retries with exponential backoff and jitter until it succeeds or
// Disconnect is called.
func (c *Client) reconnect() {
	delay := c.reconnectDelay
	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
		}

		attempt++
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventFeedReconnectAttempt,
			Payload: map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
		})
		err := c.Connect()
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			return
		}
		delay = nextDelay(delay, c.reconnectDelay, maxReconnectDelay, rand.Float64())
	}
}

// nextDelay doubles d up to max, applies ±10% jitter from r in [0,1) and
// never returns less than base.
func nextDelay(d, base, max time.Duration, r float64) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	d += time.Duration(float64(d) * 0.2 * (r - 0.5))
	if d < base {
		d = base
	}
	return d
}

// Disconnect closes the connection and stops reconnection. Idempotent.
func (c *Client) Disconnect() {
	c.reconnectEnabled.Store(false)
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.disconnect(conn)
	}
}

// SetLogger injects a diaglog.Logger. Passing nil disables structured logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	entry.Component = diaglog.ComponentEventFeed
	l.Log(entry)
}

// SetReconnectEnabled enables/disables automatic reconnection
func (c *Client) SetReconnectEnabled(enabled bool) {
	c.reconnectEnabled.Store(enabled)
}

// SetReconnectDelay sets the first retry delay. Call before Connect.
func (c *Client) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		c.reconnectDelay = d
	}
}

// OnEvent registers the callback for decoded events. It runs on the reader
// goroutine.
func (c *Client) OnEvent(handler func(notify.Event)) {
	c.handlerMu.Lock()
	c.onEvent = handler
	c.handlerMu.Unlock()
}

// OnDisconnected registers callback for disconnection events
func (c *Client) OnDisconnected(handler func()) {
	c.handlerMu.Lock()
	c.onDisconnected = handler
	c.handlerMu.Unlock()
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Received counts decoded events across reconnects.
func (c *Client) Received() uint64 { return c.received.Load() }

// Last returns the most recent event.
func (c *Client) Last() (notify.Event, bool) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.last, c.hasLast
}
