package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/rfkill"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type wsMessage struct {
	Type    string        `json:"type"`
	Payload rfkill.Update `json:"payload"`
}

// Hub fans updates out to websocket clients. A client first receives the
// current state, then every update. Clients that fail a write are dropped.
type Hub struct {
	src Source
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(src Source, log zerolog.Logger) *Hub {
	return &Hub{src: src, log: log, clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	h.mu.Lock()
	if err := h.write(conn, "snapshot", h.src.Latest()); err != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Clients never send anything; reading only notices the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *Hub) Broadcast(u rfkill.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := h.write(conn, "update", u); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// write must be called with h.mu held.
func (h *Hub) write(conn *websocket.Conn, typ string, u rfkill.Update) error {
	data, err := json.Marshal(wsMessage{Type: typ, Payload: u})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
