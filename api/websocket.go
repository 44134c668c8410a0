package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"androidfarm/farm"
	"androidfarm/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer     = 64
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 2 * 1024 * 1024, // keyframes are large
}

// Messages from the browser.
type clientMessage struct {
	Type     string `json:"type"` // subscribe, unsubscribe
	DeviceID string `json:"device_id"`
}

// Messages to the browser. Video goes out as binary packets instead.
type serverMessage struct {
	Type     string       `json:"type"` // hello, tile, error
	Consumer string       `json:"consumer,omitempty"`
	DeviceID string       `json:"device_id,omitempty"`
	Change   *farm.Change `json:"change,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type outbound struct {
	binary bool
	data   []byte
}

// Client is one browser connection. Its uuid is the consumer handle it
// holds tiles under.
type Client struct {
	id   string
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan outbound
	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	closed  bool            // send is closed
	pending map[string]bool // asked to connect, not streaming yet
	streams map[string]bool // frames being forwarded
}

// WebSocketHub tracks browser connections, pushes every tile change to all
// of them and forwards frames of the devices each one subscribed to.
type WebSocketHub struct {
	farm *farm.Orchestrator
	log  zerolog.Logger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewWebSocketHub(f *farm.Orchestrator) *WebSocketHub {
	return &WebSocketHub{
		farm:       f,
		log:        logging.WithComponent("websocket"),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, relaying changes from w.
func (h *WebSocketHub) Run(ctx context.Context, w *farm.Watcher) error {
	defer close(h.done)
	defer w.Close()
	changes := w.C()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.stop()
				c.closeSend()
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().
				Str(logging.FieldEvent, "ws.connected").
				Str(logging.FieldConsumer, c.id).
				Int("clients", n).
				Msg("client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().
				Str(logging.FieldEvent, "ws.disconnected").
				Str(logging.FieldConsumer, c.id).
				Int("clients", n).
				Msg("client disconnected")

		case change, ok := <-changes:
			if !ok {
				// farm stopped; keep serving until ctx ends
				changes = nil
				continue
			}
			h.relay(change)
		}
	}
}

func (h *WebSocketHub) relay(change farm.Change) {
	msg, err := json.Marshal(serverMessage{Type: "tile", DeviceID: change.DeviceID, Change: &change})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal tile change")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(outbound{data: msg})
	}

	switch change.To {
	case farm.StateStreaming:
		for _, consumer := range change.Tile.Consumers {
			if c, ok := h.clients[consumer]; ok {
				go c.attach(change.DeviceID)
			}
		}
	case farm.StateFailed, farm.StateNotConnected:
		for _, c := range h.clients {
			c.clearPending(change.DeviceID)
		}
	}
}

// ClientCount returns the number of connected browsers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	client := &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan outbound, sendBuffer),
		ctx:     ctx,
		stop:    stop,
		pending: make(map[string]bool),
		streams: make(map[string]bool),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		stop()
		conn.Close()
		return
	}
	client.reply(serverMessage{Type: "hello", Consumer: client.id})

	go client.writePump()
	go client.readPump()
}

// enqueue never blocks: a slow browser loses its oldest queued message.
// Messages for an unregistered client are dropped.
func (c *Client) enqueue(m outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- m:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- m:
	default:
	}
}

// closeSend closes send once; the write pump then says goodbye.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) reply(m serverMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueue(outbound{data: data})
}

func (c *Client) readPump() {
	defer func() {
		c.release()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str(logging.FieldConsumer, c.id).Msg("websocket read failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.DeviceID == "" {
			c.reply(serverMessage{Type: "error", Error: "expected {type, device_id}"})
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.DeviceID)
		case "unsubscribe":
			c.unsubscribe(msg.DeviceID)
		default:
			c.reply(serverMessage{Type: "error", DeviceID: msg.DeviceID, Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *Client) subscribe(deviceID string) {
	// pending is set first so a Streaming change that beats the reply below
	// still finds the client waiting
	c.mu.Lock()
	if c.streams[deviceID] {
		c.mu.Unlock()
		return
	}
	c.pending[deviceID] = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()
	tile, err := c.hub.farm.RequestConnect(ctx, deviceID, c.id)
	if err != nil {
		c.clearPending(deviceID)
		c.reply(serverMessage{Type: "error", DeviceID: deviceID, Error: err.Error()})
		return
	}
	if tile.State == farm.StateStreaming {
		go c.attach(deviceID)
	}
}

func (c *Client) unsubscribe(deviceID string) {
	c.clearPending(deviceID)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.hub.farm.RequestDisconnect(ctx, deviceID, c.id); err != nil &&
		!errors.Is(err, farm.ErrInvalidTransition) {
		c.reply(serverMessage{Type: "error", DeviceID: deviceID, Error: err.Error()})
	}
}

// release gives up every tile the client holds.
func (c *Client) release() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending)+len(c.streams))
	for id := range c.pending {
		ids = append(ids, id)
	}
	for id := range c.streams {
		if !c.pending[id] {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.unsubscribe(id)
	}
	c.stop()
}

func (c *Client) clearPending(deviceID string) {
	c.mu.Lock()
	delete(c.pending, deviceID)
	c.mu.Unlock()
}

// attach forwards deviceID's frames until the subscription closes. Only the
// first call for a pending device does anything.
func (c *Client) attach(deviceID string) {
	c.mu.Lock()
	if !c.pending[deviceID] || c.streams[deviceID] {
		c.mu.Unlock()
		return
	}
	delete(c.pending, deviceID)
	c.streams[deviceID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.streams, deviceID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	sub, err := c.hub.farm.Subscribe(ctx, deviceID, c.id)
	cancel()
	if err != nil {
		c.reply(serverMessage{Type: "error", DeviceID: deviceID, Error: err.Error()})
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case f, ok := <-sub.C():
			if !ok {
				return
			}
			if pkt := packFrame(deviceID, f.Data); pkt != nil {
				c.enqueue(outbound{binary: true, data: pkt})
			}
		}
	}
}

// packFrame builds the binary packet: one byte id length, the id, the NAL.
func packFrame(deviceID string, nal []byte) []byte {
	idLen := len(deviceID)
	if idLen > 255 || len(nal) == 0 {
		return nil
	}
	pkt := make([]byte, 1+idLen+len(nal))
	pkt[0] = byte(idLen)
	copy(pkt[1:], deviceID)
	copy(pkt[1+idLen:], nal)
	return pkt
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind := websocket.TextMessage
			if m.binary {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, m.data); err != nil {
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
