// Package ws pushes auction lifecycle events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
	"github.com/alanyoungcy/auctionhouse/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the CORS layer in front of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config captures runtime metadata sent to WebSocket clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// outbound is one serialized event and the auction it belongs to.
type outbound struct {
	auctionID string
	data      []byte
}

// Hub fans auction events from the signal bus out to connected clients.
// Every event arrives once on notify.ChannelAll and is routed by its
// AuctionID, so a client watching both "all" and one auction gets it once.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	events     chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
		events:     make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	go h.pump(ctx)

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("clients", n))

		case ev := <-h.events:
			h.mu.RLock()
			for c := range h.clients {
				if !c.watching(ev.auctionID) {
					continue
				}
				select {
				case c.send <- ev.data:
				default:
					h.logger.Warn("ws: send buffer full, dropping event",
						slog.String("auction_id", ev.auctionID),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump decodes bus payloads just far enough to learn their auction.
func (h *Hub) pump(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, notify.ChannelAll)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", notify.ChannelAll),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed")
				return
			}
			var head struct {
				AuctionID string `json:"auction_id"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.AuctionID == "" {
				h.logger.Warn("ws: dropping event without auction id")
				continue
			}
			select {
			case h.events <- outbound{auctionID: head.AuctionID, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. Without ?auction
// the client watches every auction.
// GET /ws[?auction=ID]
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.URL.Query().Get("auction"))
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.greet()

	go c.writeLoop()
	go c.readLoop()
}

// uptime is the whole seconds since the hub's process started.
func (h *Hub) uptime() int64 {
	secs := int64(time.Since(h.startedAt).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
