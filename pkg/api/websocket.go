package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	sendBuffer   = 256
	maxFrameSize = 16 << 10
)

// Stream channels a client may subscribe to. Account channels are
// "account:<address>".
var streamChannels = []string{"events", "trades", "orders", "blocks"}

// Hub tracks connected clients and fans messages out by channel
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[*Client]struct{}), logger: logger}
}

// add registers c, reporting false once the hub is closed
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws_client_connected", zap.String("remote", c.remote), zap.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	h.logger.Debug("ws_client_disconnected", zap.String("remote", c.remote), zap.Int("clients", len(h.clients)))
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel encodes msg once and queues it for every subscriber
// of channel. Slow clients miss messages rather than stall the hub.
func (h *Hub) BroadcastToChannel(channel string, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("ws_marshal_failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subs.has(channel) {
			h.enqueue(c, frame)
		}
	}
}

// enqueue requires h.mu held so c.out is not closed concurrently
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case c.out <- frame:
	default:
		h.logger.Debug("ws_frame_dropped", zap.String("remote", c.remote))
	}
}

// channelSet is a client's current subscriptions
type channelSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func (s *channelSet) has(ch string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[ch]
	return ok
}

func (s *channelSet) update(ch string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.set[ch] = struct{}{}
	} else {
		delete(s.set, ch)
	}
}

// Client is one WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	out    chan []byte
	remote string
	subs   channelSet
}

// reply queues a control frame for this client alone
func (c *Client) reply(msg WSMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.clients[c]; live {
		c.hub.enqueue(c, frame)
	}
}

// normalizeChannel maps a requested channel to its canonical name. Account
// channels use the checksummed address.
func normalizeChannel(ch string) (string, bool) {
	if slices.Contains(streamChannels, ch) {
		return ch, true
	}
	if addr, found := strings.CutPrefix(ch, "account:"); found && common.IsHexAddress(addr) {
		return accountChannel(common.HexToAddress(addr)), true
	}
	return "", false
}

func (c *Client) handleRequest(req WSSubscribeRequest) {
	var on bool
	switch req.Op {
	case "subscribe":
		on = true
	case "unsubscribe":
	default:
		c.reply(WSMessage{Type: "error", Data: "unknown op " + req.Op})
		return
	}
	for _, raw := range req.Channels {
		ch, ok := normalizeChannel(raw)
		if !ok {
			c.reply(WSMessage{Type: "error", Channel: raw, Data: "unknown channel"})
			continue
		}
		c.subs.update(ch, on)
		c.reply(WSMessage{Type: req.Op + "d", Channel: ch})
	}
}

// readLoop serves subscription requests until the peer goes away
func (c *Client) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws_read_failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		var req WSSubscribeRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: "invalid message"})
			continue
		}
		c.handleRequest(req)
	}
}

// writeLoop drains the outbound queue and keeps the connection alive
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// checkOrigin admits requests without an Origin header (non-browser
// clients) and browsers from an allowed origin
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:    s.hub,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		remote: conn.RemoteAddr().String(),
		subs:   channelSet{set: make(map[string]struct{})},
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
