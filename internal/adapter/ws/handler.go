// Package ws implements the WebSocket adapter for real-time client communication.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Message is the envelope for all WebSocket messages in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher receives client events from the hub.
type Dispatcher interface {
	// RegisterRequest re-binds a request ID to the socket that sent it.
	RegisterRequest(requestID, socketID string)
	// HandleSocketDisconnect cleans up state owned by a departed socket.
	HandleSocketDisconnect(socketID string)
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	// writeMu serializes writes; coder/websocket allows one concurrent writer.
	writeMu sync.Mutex
}

// Hub manages active WebSocket connections keyed by server-assigned socket ID.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*conn
	dispatcher Dispatcher
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*conn),
	}
}

// Bind attaches the dispatcher that receives client events.
// Must be called before the hub accepts connections.
func (h *Hub) Bind(d Dispatcher) {
	h.dispatcher = d
}

// HandleWS upgrades the request to a WebSocket connection, assigns it a
// socket ID, and tells the client that ID so it can tag later submissions
// with the X-Socket-ID header.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	socketID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: sock, cancel: cancel}

	h.mu.Lock()
	h.conns[socketID] = c
	h.mu.Unlock()

	slog.Info("websocket connected", "socket_id", socketID, "remote", r.RemoteAddr)

	if !h.send(ctx, c, EventSocketID, socketID) {
		h.remove(socketID)
		_ = sock.Close(websocket.StatusInternalError, "handshake write failed")
		return
	}

	go h.readLoop(ctx, socketID, c)
}

// readLoop consumes client events until the connection drops.
func (h *Hub) readLoop(ctx context.Context, socketID string, c *conn) {
	defer func() {
		h.remove(socketID)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("websocket message unparsable", "socket_id", socketID, "error", err)
			continue
		}

		switch msg.Type {
		case EventRegisterRequest:
			var requestID string
			if err := json.Unmarshal(msg.Payload, &requestID); err != nil || requestID == "" {
				slog.Debug("register_request with invalid payload", "socket_id", socketID)
				continue
			}
			if h.dispatcher != nil {
				h.dispatcher.RegisterRequest(requestID, socketID)
			}
		default:
			slog.Debug("unknown websocket event", "type", msg.Type, "socket_id", socketID)
		}
	}
}

// Emit sends a typed event to the connection with the given socket ID.
// Returns false when no such connection exists or the write fails.
func (h *Hub) Emit(ctx context.Context, socketID, eventType string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if !h.send(ctx, c, eventType, payload) {
		h.remove(socketID)
		return false
	}
	return true
}

// send marshals and writes one event to a connection.
func (h *Hub) send(ctx context.Context, c *conn, eventType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return false
	}
	msg, err := json.Marshal(Message{Type: eventType, Payload: data})
	if err != nil {
		slog.Error("marshal ws message", "type", eventType, "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		slog.Debug("websocket write failed", "type", eventType, "error", err)
		return false
	}
	return true
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(socketID string) {
	h.mu.Lock()
	c, ok := h.conns[socketID]
	if ok {
		delete(h.conns, socketID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.cancel()

	if h.dispatcher != nil {
		h.dispatcher.HandleSocketDisconnect(socketID)
	}
	slog.Info("websocket disconnected", "socket_id", socketID)
}
