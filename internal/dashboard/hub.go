package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxdesk/extwatch/internal/listeners"
	"github.com/voxdesk/extwatch/internal/protocol"
	"github.com/voxdesk/extwatch/internal/reconcile"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Browsers only send small requests.
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

// Client is one browser WebSocket connection with its presence mount.
type Client struct {
	id         string
	context    string
	extensions []string // empty means every extension
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub

	// mu orders the init snapshot against change notifications.
	mu      sync.Mutex
	ready   bool
	dispose reconcile.Disposer
}

// Hub tracks browser connections and fans presence out to them.
type Hub struct {
	log      zerolog.Logger
	presence *reconcile.Reconciler

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	closeOnce  sync.Once

	// expired holds the session_expired frame once credentials are gone.
	expired []byte

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(presence *reconcile.Reconciler, log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		presence:   presence,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			// Deltas are held back until the snapshot is queued.
			go client.sendState(protocol.TypeInit)
			h.log.Debug().
				Str("id", client.id).
				Str("context", client.context).
				Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			client.release()
			h.log.Debug().Str("id", client.id).Msg("client unregistered")

		case <-h.quit:
			h.mu.Lock()
			gone := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				gone = append(gone, client)
			}
			h.mu.Unlock()
			for _, client := range gone {
				client.release()
			}
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSessionExpired tells every browser to leave for redirect and
// makes later connections receive the same frame.
func (h *Hub) BroadcastSessionExpired(redirect string, reason error) {
	payload := protocol.SessionExpiredPayload{Redirect: redirect}
	if reason != nil {
		payload.Reason = reason.Error()
	}
	data, err := encode(protocol.TypeSessionExpired, 0, payload)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.expired = data
	h.mu.Unlock()

	h.broadcast(data)
	h.log.Info().Str("redirect", redirect).Msg("session expired, browsers redirected")
}

func (h *Hub) expiredFrame() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.expired
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client send buffer full, skip
		}
	}
}

// trySend queues data unless the client is gone or backed up.
func (h *Hub) trySend(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.log.Debug().Str("id", c.id).Msg("send buffer full, dropping frame")
		return false
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PRESENCE SYNC
// ═══════════════════════════════════════════════════════════════════════════

// statePayload is the body of init and full_state.
type statePayload struct {
	Statuses  []statusView        `json:"statuses"`
	Aggregate reconcile.Aggregate `json:"aggregate"`
}

// deltaPayload carries changed statuses; Removed lists extensions that left
// the cache.
type deltaPayload struct {
	Statuses []statusView `json:"statuses"`
	Removed  []string     `json:"removed,omitempty"`
}

// sendState queues a full snapshot. The first call marks the client ready
// for deltas.
func (c *Client) sendState(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg := c.hub.presence.Aggregate()
	payload := statePayload{
		Statuses:  statusViews(c.hub.presence.Statuses(c.extensions)),
		Aggregate: agg,
	}
	data, err := encode(msgType, agg.Version, payload)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("failed to encode state")
		return
	}
	c.hub.trySend(c, data)
	c.ready = true
}

// onChange is the client's presence listener.
func (c *Client) onChange(change listeners.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return
	}

	exts := change.Extensions
	if len(c.extensions) > 0 {
		exts = intersect(c.extensions, exts)
	}
	if len(exts) == 0 {
		return
	}

	var payload deltaPayload
	found := make(map[string]bool, len(exts))
	for _, e := range c.hub.presence.Statuses(exts) {
		payload.Statuses = append(payload.Statuses, newStatusView(e))
		found[e.Key] = true
	}
	for _, ext := range exts {
		if !found[ext] {
			payload.Removed = append(payload.Removed, ext)
		}
	}

	data, err := encode(protocol.TypeDelta, change.Version, payload)
	if err != nil {
		return
	}
	c.hub.trySend(c, data)
}

func (c *Client) setDispose(d reconcile.Disposer) {
	c.mu.Lock()
	c.dispose = d
	c.mu.Unlock()
}

func (c *Client) release() {
	c.mu.Lock()
	d := c.dispose
	c.dispose = nil
	c.ready = false
	c.mu.Unlock()
	if d != nil {
		d()
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PUMPS
// ═══════════════════════════════════════════════════════════════════════════

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("id", c.id).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleBrowserMessage(data)
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleBrowserMessage processes messages from browser clients.
func (c *Client) handleBrowserMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case protocol.TypeGetState:
		c.sendState(protocol.TypeFullState)
	default:
		c.hub.log.Debug().Str("id", c.id).Str("type", msg.Type).Msg("ignoring browser message")
	}
}

func encode(msgType string, version uint64, payload any) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, version, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func intersect(want, got []string) []string {
	set := make(map[string]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	var out []string
	for _, g := range got {
		if set[g] {
			out = append(out, g)
		}
	}
	return out
}
