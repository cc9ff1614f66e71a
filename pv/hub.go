package pv

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

const (
	// writeWait is how long a frame write may take before the client is
	// dropped.
	writeWait = 10 * time.Second

	// pongWait is how long the hub waits for a pong before dropping the
	// client. Pings go out at pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024

	// clientBuffer is the per-client send queue. Clients that fall this
	// far behind the update stream lose updates.
	clientBuffer = 256
)

// Websocket message types.
const (
	messageSnapshot = "snapshot"
	messageUpdate   = "update"
)

// wsMessage is the envelope sent to websocket subscribers. A snapshot
// carries every record; an update carries one.
type wsMessage struct {
	Type string   `json:"type"`
	PVs  []Update `json:"pvs,omitempty"`
	PV   *Update  `json:"pv,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans registry updates out to websocket clients. Each client first
// receives a snapshot of every record, then individual updates as they
// happen. The update stream is one-way; writes go through the HTTP API.
type Hub struct {
	reg *Registry
	log logger.Logger

	clientsMu sync.RWMutex
	clients   map[int64]*wsClient

	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	nextID atomic.Int64
}

func newHub(reg *Registry, l logger.Logger) *Hub {
	return &Hub{
		reg:        reg,
		log:        l,
		clients:    make(map[int64]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the registry and pumps updates to connected clients
// until ctx is cancelled. The websocket endpoint only serves clients while
// Run is running.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	updates, cancel := h.reg.Subscribe(clientBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case u := <-updates:
			h.send(u)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.clientsMu.Lock()
	h.clients[c.id] = c
	h.clientsMu.Unlock()

	h.log.Info("websocket client connected", "client", c.id)

	snapshot, err := json.Marshal(wsMessage{Type: messageSnapshot, PVs: h.reg.List()})
	if err != nil {
		h.log.Error("marshal snapshot failed", "error", err)
		return
	}

	// A fresh client's queue always has room for the snapshot.
	select {
	case c.send <- snapshot:
	default:
	}
}

func (h *Hub) remove(c *wsClient) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.clientsMu.Unlock()

	h.log.Info("websocket client disconnected", "client", c.id)
}

func (h *Hub) send(u Update) {
	data, err := json.Marshal(wsMessage{Type: messageUpdate, PV: &u})
	if err != nil {
		h.log.Error("marshal update failed", "error", err)
		return
	}

	h.clientsMu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket send queue full, dropping update", "client", c.id)
		}
	}
	h.clientsMu.RUnlock()
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.clientsMu.Unlock()
}

// serveWS upgrades the request and attaches the client to the hub.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:   h.nextID.Add(1),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type wsClient struct {
	id   int64
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump drains inbound frames so pings and closes are processed. The
// client's frames carry no meaning.
func (c *wsClient) readPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump moves queued messages onto the connection, batching whatever
// has accumulated into one frame, and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			queued := len(c.send)
			for i := 0; i < queued; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// detach hands the client back to the hub unless the hub has already shut
// down.
func (c *wsClient) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}
