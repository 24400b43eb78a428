package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// recordingDispatcher captures hub callbacks.
type recordingDispatcher struct {
	mu          sync.Mutex
	registered  [][2]string // requestID, socketID
	disconnects []string
}

func (d *recordingDispatcher) RegisterRequest(requestID, socketID string) {
	d.mu.Lock()
	d.registered = append(d.registered, [2]string{requestID, socketID})
	d.mu.Unlock()
}

func (d *recordingDispatcher) HandleSocketDisconnect(socketID string) {
	d.mu.Lock()
	d.disconnects = append(d.disconnects, socketID)
	d.mu.Unlock()
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubEmitNoConnection(t *testing.T) {
	hub := NewHub()

	if hub.Emit(context.Background(), "nope", EventTaskUpdate, "payload") {
		t.Fatal("expected emit to unknown socket to return false")
	}
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	// Removing a socket that was never added should not panic.
	hub.remove("never-added")
}

func TestHubConnectionLifecycle(t *testing.T) {
	hub := NewHub()
	disp := &recordingDispatcher{}
	hub.Bind(disp)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// The first frame carries the server-assigned socket ID.
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read socket_id frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != EventSocketID {
		t.Fatalf("expected %q frame, got %q", EventSocketID, msg.Type)
	}
	var socketID string
	if err := json.Unmarshal(msg.Payload, &socketID); err != nil || socketID == "" {
		t.Fatalf("bad socket_id payload %s: %v", msg.Payload, err)
	}

	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	// register_request flows through to the dispatcher with this socket's ID.
	reg, _ := json.Marshal(Message{Type: EventRegisterRequest, Payload: json.RawMessage(`"req-42"`)})
	if err := c.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write register_request: %v", err)
	}
	waitFor(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.registered) == 1
	})
	disp.mu.Lock()
	got := disp.registered[0]
	disp.mu.Unlock()
	if got[0] != "req-42" || got[1] != socketID {
		t.Fatalf("unexpected registration: %v", got)
	}

	// Server-side emit reaches the client.
	if !hub.Emit(ctx, socketID, EventTaskUpdate, map[string]string{"status": "completed"}) {
		t.Fatal("expected emit to succeed")
	}
	_, data, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read task_update: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != EventTaskUpdate {
		t.Fatalf("expected task_update frame, got %s", data)
	}

	// Closing the client triggers disconnect cleanup.
	_ = c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.disconnects) == 1
	})
	disp.mu.Lock()
	gone := disp.disconnects[0]
	disp.mu.Unlock()
	if gone != socketID {
		t.Fatalf("expected disconnect for %q, got %q", socketID, gone)
	}
	waitFor(t, func() bool { return hub.ConnectionCount() == 0 })

	if hub.Emit(context.Background(), socketID, EventTaskUpdate, "late") {
		t.Fatal("expected emit after disconnect to return false")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
