// Package api — WebSocket hub for pushing rebuild progress to dashboards.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/folioworks/snapshot-engine/internal/metrics"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// WSMessage is a JSON message sent to WebSocket clients. Dashboards use
// rebuild_progress events to refresh without tight polling.
type WSMessage struct {
	Type           string `json:"type"`
	RowKey         string `json:"row_key"`
	DirtyFrom      string `json:"dirty_from,omitempty"`
	ProcessedUntil string `json:"processed_until,omitempty"`
	ProcessedDays  int    `json:"processed_days,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	InstrumentID   string `json:"instrument_id,omitempty"`
	Side           string `json:"side,omitempty"`
	TradeDate      string `json:"trade_date,omitempty"`
}

type wsEvent struct {
	rowKey string
	data   []byte
}

// WSHub manages WebSocket connections and broadcasts rebuild checkpoints and
// ledger mutations to all connected clients. A client may subscribe with
// ?rowKey= to receive only one scope's events.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → row-key filter, "" for all
	broadcast  chan wsEvent
	register   chan wsSubscription
	unregister chan *websocket.Conn
	mu         sync.Mutex

	pingInterval time.Duration
}

type wsSubscription struct {
	conn   *websocket.Conn
	rowKey string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:      make(map[*websocket.Conn]string),
		broadcast:    make(chan wsEvent, 256),
		register:     make(chan wsSubscription),
		unregister:   make(chan *websocket.Conn),
		pingInterval: 30 * time.Second,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.rowKey
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total, "row_key", sub.rowKey)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			// Full lock: a failed write evicts the client, and the ping
			// goroutines read membership concurrently.
			h.mu.Lock()
			for conn, filter := range h.clients {
				if filter != "" && filter != ev.rowKey {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to every client whose subscription matches the
// message's row key.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEvent{rowKey: msg.RowKey, data: data}:
	default:
		// Drop if buffer full to avoid blocking the rebuild loop.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An optional
// ?rowKey=u/{user}/all or u/{user}/p/{portfolio} narrows the subscription to
// one scope.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("rowKey")
	if filter != "" {
		if _, err := scope.ParseRowKey(filter); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- wsSubscription{conn: conn, rowKey: filter}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. The write
	// happens under the hub lock: the connection forbids concurrent
	// writers, and broadcasts write under the same lock.
	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
