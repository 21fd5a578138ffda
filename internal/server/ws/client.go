package ws

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
	// maxWatched caps per-connection auction subscriptions.
	maxWatched = 100
)

// control is a client request to change what it watches:
//
//	{"action":"watch","auction_ids":["a1","a2"]}
//	{"action":"unwatch","auction_ids":["a1"]}
//	{"action":"watch","all":true}
type control struct {
	Action     string   `json:"action"`
	AuctionIDs []string `json:"auction_ids"`
	All        bool     `json:"all"`
}

// frame is a hub-originated message; events are forwarded as stored.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	all      bool
	auctions map[string]struct{}
	closed   bool
}

func newClient(h *Hub, conn *websocket.Conn, auctionID string) *client {
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		auctions: make(map[string]struct{}),
	}
	if auctionID == "" {
		c.all = true
	} else {
		c.auctions[auctionID] = struct{}{}
	}
	return c
}

func (c *client) watching(auctionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.all {
		return true
	}
	_, ok := c.auctions[auctionID]
	return ok
}

// apply updates the watch set and returns the frame to answer with.
func (c *client) apply(msg control) frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "watch":
		if msg.All {
			c.all = true
		}
		for _, id := range msg.AuctionIDs {
			if id == "" {
				continue
			}
			if len(c.auctions) >= maxWatched {
				return frame{Type: "error", Payload: map[string]any{"error": "too many watched auctions"}}
			}
			c.auctions[id] = struct{}{}
		}
	case "unwatch":
		if msg.All {
			c.all = false
		}
		for _, id := range msg.AuctionIDs {
			delete(c.auctions, id)
		}
	default:
		return frame{Type: "error", Payload: map[string]any{"error": "unknown action " + msg.Action}}
	}
	return frame{Type: "watching", Payload: c.snapshotLocked()}
}

func (c *client) snapshotLocked() map[string]any {
	ids := make([]string, 0, len(c.auctions))
	for id := range c.auctions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return map[string]any{"all": c.all, "auction_ids": ids}
}

// greet queues the hub_status frame so clients can mark the connection live
// before any auction event flows.
func (c *client) greet() {
	c.mu.RLock()
	watch := c.snapshotLocked()
	c.mu.RUnlock()

	c.queue(frame{Type: "hub_status", Payload: map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": c.hub.uptime(),
		"watching":       watch,
	}})
}

func (c *client) queue(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// close ends writeLoop. Only the hub calls it.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readLoop applies control messages until the connection drops.
func (c *client) readLoop() {
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
				c.hub.logger.Debug("ws: read failed", slog.String("error", err.Error()))
			}
			return
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queue(frame{Type: "error", Payload: map[string]any{"error": "malformed message"}})
			continue
		}
		c.queue(c.apply(msg))
	}
}

// writeLoop writes queued frames and keepalive pings. It exits when the hub
// closes send or a write fails.
func (c *client) writeLoop() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
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
