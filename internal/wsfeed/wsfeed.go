// Package wsfeed mirrors every broadcast envelope to WebSocket clients for
// live observation. The feed is read-only: clients are not endpoints, carry
// no failure accounting and never slow the publish path — a full client
// buffer drops the frame.
package wsfeed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Hub tracks connected monitor clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	recent  *backlog
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan []byte),
		recent:  newBacklog(64),
	}
}

func (h *Hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected monitors.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to every connected client, dropping it for clients
// whose buffer is full.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow monitor — drop frame
		}
	}
}

// Tap adapts the hub to the broadcast observer hook: it wraps each outgoing
// message in a {path, msg} frame. Frames are buffered even with nobody
// connected so a late monitor still gets recent context.
func (h *Hub) Tap(path string, msg interface{}) {
	frame, err := json.Marshal(map[string]interface{}{
		"path": path,
		"msg":  msg,
	})
	if err != nil {
		log.Printf("[wsfeed] encode frame: %v", err)
		return
	}
	h.recent.push(frame)
	if h.ClientCount() > 0 {
		h.Broadcast(frame)
	}
}

// Handler upgrades the connection and streams frames until the client goes
// away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[wsfeed] upgrade error: %v", err)
			return
		}
		log.Printf("[wsfeed] monitor connected: %s", r.RemoteAddr)

		// Replay the backlog before going live. A frame broadcast between
		// the snapshot and registration can be missed; the monitor feed is
		// best-effort.
		replay := h.recent.frames()
		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[wsfeed] monitor disconnected: %s", r.RemoteAddr)
		}()

		// Inbound frames are ignored; the read pump only detects disconnect.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for _, msg := range replay {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
