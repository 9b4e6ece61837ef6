// Package trade — WebSocket hub for real-time trade broadcasting.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lzegg/papertrade/internal/ledger"
	"github.com/lzegg/papertrade/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string `json:"type"`
	EntryID  string `json:"entry_id"`
	UserID   string `json:"user_id"`
	Action   string `json:"action"`
	Code     string `json:"code"`
	Quantity int64  `json:"quantity"`
	Price    string `json:"price"`
	Amount   string `json:"amount"`
	Holding  int64  `json:"holding"`
	AvgCost  string `json:"avg_cost"`
	Cash     string `json:"cash"`
	Realized string `json:"realized_pnl,omitempty"`
}

type wsEvent struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections and broadcasts committed trades.
// A client connecting with ?user_id= only receives that user's trades.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → user filter ("" = all)
	broadcast  chan wsEvent
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsEvent, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "user_filter", c.userID)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, filter := range h.clients {
				if filter != "" && filter != ev.userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all interested clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEvent{userID: msg.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// TradeExecuted implements ledger.Notifier.
func (h *WSHub) TradeExecuted(res *ledger.TradeResult) {
	msg := WSMessage{
		Type:     "trade_executed",
		EntryID:  res.Entry.ID,
		UserID:   res.UserID,
		Action:   res.Action,
		Code:     res.Code,
		Quantity: res.Quantity,
		Price:    res.UnitPrice.String(),
		Amount:   res.Amount.String(),
		Holding:  res.Position.Quantity,
		AvgCost:  res.Position.AvgCost.String(),
		Cash:     res.Cash.String(),
	}
	if !res.RealizedPnL.IsZero() {
		msg.Realized = res.RealizedPnL.String()
	}
	h.Broadcast(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, userID: r.URL.Query().Get("user_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
