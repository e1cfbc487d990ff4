package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64

	// allEvents matches every lifecycle event type.
	allEvents = "market.*"
)

// control is what a client sends to change its filter, e.g.
//
//	{"action":"subscribe","events":["market.settled"],"markets":["0xab..."]}
//
// Markets may be named by either identifier.
type control struct {
	Action  string   `json:"action"`
	Events  []string `json:"events,omitempty"`
	Markets []string `json:"markets,omitempty"`
}

// message is a hub-originated frame. Events are sent as domain.Event.
type message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// filter is a client's view of the stream.
type filter struct {
	Events  []string `json:"events"`
	Markets []string `json:"markets"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	sendMu sync.Mutex
	closed bool

	mu      sync.RWMutex
	events  map[string]struct{}
	markets map[string]struct{} // canonical lowercase hex; empty means all
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:     h,
		conn:    conn,
		remote:  remote,
		send:    make(chan []byte, sendBufferSize),
		events:  map[string]struct{}{allEvents: {}},
		markets: map[string]struct{}{},
	}
}

// wants reports whether ev passes both the event-type and market filters.
func (c *client) wants(ev domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchesType(string(ev.Type)) && c.matchesMarket(ev)
}

// matchesType accepts an exact type or a pattern ending in *.
func (c *client) matchesType(typ string) bool {
	if _, ok := c.events[typ]; ok {
		return true
	}
	for p := range c.events {
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(typ, prefix) {
			return true
		}
	}
	return false
}

func (c *client) matchesMarket(ev domain.Event) bool {
	if len(c.markets) == 0 {
		return true
	}
	ids := []string{ev.MarketID}
	if m := ev.Market; m != nil {
		ids = append(ids, domain.CanonicalHex(m.PreDeployID))
		if m.OnChainID != nil {
			ids = append(ids, domain.CanonicalHex(*m.OnChainID))
		}
	}
	for _, id := range ids {
		if _, ok := c.markets[strings.ToLower(id)]; ok {
			return true
		}
	}
	return false
}

// apply updates the filter and reports whether ctl was understood.
func (c *client) apply(ctl control) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var set func(m map[string]struct{}, k string)
	switch ctl.Action {
	case "subscribe":
		set = func(m map[string]struct{}, k string) { m[k] = struct{}{} }
	case "unsubscribe":
		set = func(m map[string]struct{}, k string) { delete(m, k) }
	default:
		return false
	}
	for _, ev := range ctl.Events {
		set(c.events, ev)
	}
	for _, id := range ctl.Markets {
		if h, ok := domain.ParseHash(id); ok {
			set(c.markets, domain.CanonicalHex(h))
		}
	}
	return true
}

func (c *client) snapshot() filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f := filter{Events: []string{}, Markets: []string{}}
	for e := range c.events {
		f.Events = append(f.Events, e)
	}
	for m := range c.markets {
		f.Markets = append(f.Markets, m)
	}
	return f
}

// trySend enqueues data without blocking and reports whether it fit.
func (c *client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump. Safe to call more than once.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// queue enqueues a hub message, dropping it if the queue is full.
func (c *client) queue(msg message) {
	if data, err := json.Marshal(msg); err == nil {
		c.trySend(data)
	}
}

// readPump applies filter changes until the connection ends.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("remote", c.remote), slog.String("error", err.Error()))
			}
			return
		}
		var ctl control
		if err := json.Unmarshal(data, &ctl); err != nil || !c.apply(ctl) {
			c.queue(message{Type: "error", Payload: "expected {\"action\":\"subscribe\"|\"unsubscribe\",...}"})
			continue
		}
		c.queue(message{Type: "subscribed", Payload: c.snapshot()})
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It exits when the hub closes the queue or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
