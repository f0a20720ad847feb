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

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// Channels are the signal bus channels the hub relays.
var Channels = []string{
	domain.ChannelLoans,
	domain.ChannelStaking,
	domain.ChannelLedger,
}

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS middleware in front of /ws.
		return true
	},
}

// client represents a single WebSocket connection.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	account string // when set, only this account's events are delivered
	subs    map[string]bool
	mu      sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Hub fans lifecycle events from the signal bus out to connected WebSocket
// clients. New clients first receive a status frame and the recent journal.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	journal    domain.EventJournal
	replay     int
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// broadcastMsg carries a payload with its source channel and account so the
// hub can route it only to interested clients.
type broadcastMsg struct {
	channel string
	account string
	data    []byte
}

// Config captures runtime metadata for the hub.
type Config struct {
	Mode      string
	StartedAt time.Time
	// Replay is how many journaled events per channel a new client gets.
	Replay int
}

// NewHub creates a hub that bridges bus to WebSocket clients. journal may be
// nil, in which case clients get no replay.
func NewHub(bus domain.SignalBus, journal domain.EventJournal, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		journal:    journal,
		replay:     cfg.Replay,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration and broadcasting, and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range Channels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "ws: client connected",
				slog.String("account", c.account),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel, msg.account) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.WarnContext(ctx, "ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// eventAccount extracts the account of a bus payload. Payloads that are not
// events route to every client on the channel.
func eventAccount(data []byte) string {
	var ev struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ""
	}
	return ev.Account
}

// subscribeToChannel forwards one bus channel to the broadcast loop.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.InfoContext(ctx, "ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.WarnContext(ctx, "ws: channel subscription closed",
					slog.String("channel", channel),
				)
				return
			}
			msg := broadcastMsg{channel: channel, account: eventAccount(data), data: data}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. ?account=eip155:<chain>:<address> limits the
// stream to one account.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var account string
	if raw := r.URL.Query().Get("account"); raw != "" {
		ref, err := domain.ParseAccountRef(raw)
		if err != nil {
			http.Error(w, "invalid account", http.StatusBadRequest)
			return
		}
		account = ref.String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		account: account,
		subs:    make(map[string]bool),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	c.sendInitialStatus()
	h.replayTo(r.Context(), c)

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// replayTo queues the journaled tail of every channel for c, oldest first.
func (h *Hub) replayTo(ctx context.Context, c *client) {
	if h.journal == nil || h.replay <= 0 {
		return
	}
	for _, ch := range Channels {
		payloads, err := h.journal.Recent(ctx, ch, h.replay)
		if err != nil {
			h.logger.WarnContext(ctx, "ws: journal replay failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, data := range payloads {
			if !c.wants(ch, eventAccount(data)) {
				continue
			}
			select {
			case c.send <- data:
			default:
				return
			}
		}
	}
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads subscription changes from the connection until it closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if jsonErr := json.Unmarshal(message, &sub); jsonErr == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription processes subscribe/unsubscribe requests from the client.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendInitialStatus pushes a status envelope so clients can mark the
// connection healthy before any event flows.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"detail": map[string]any{
			"mode":           c.hub.mode,
			"channels":       Channels,
			"account":        c.account,
			"uptime_seconds": uptime,
		},
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// wants reports whether c should receive a payload from channel about
// account.
func (c *client) wants(channel, account string) bool {
	if c.account != "" && !strings.EqualFold(c.account, account) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// writePump writes queued payloads as text frames and sends periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
