package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/freightgate/freightgate/internal/adapter/ws"
	"github.com/freightgate/freightgate/internal/domain"
	"github.com/freightgate/freightgate/internal/domain/task"
	"github.com/freightgate/freightgate/internal/port/messagequeue"
)

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	connected  bool
	publishErr error
	published  []struct {
		subject string
		data    []byte
	}
	handler messagequeue.Handler
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, handler messagequeue.Handler) (func(), error) {
	q.handler = handler
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return q.connected }

// mockTaskStore implements taskStore for testing.
type mockTaskStore struct {
	created   []*task.Task
	createErr error

	updates []struct {
		id     string
		status task.Status
		errMsg string
	}
	updateErr error
}

func (m *mockTaskStore) CreateTask(_ context.Context, t *task.Task) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, t)
	return nil
}

func (m *mockTaskStore) UpdateTaskResult(_ context.Context, id string, status task.Status, _ json.RawMessage, errMsg string) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, struct {
		id     string
		status task.Status
		errMsg string
	}{id, status, errMsg})
	return nil
}

// mockNotifier implements realtime.Notifier for testing.
type mockNotifier struct {
	live  map[string]bool
	emits []emittedEvent
}

type emittedEvent struct {
	socketID  string
	eventType string
	payload   any
}

func (n *mockNotifier) Emit(_ context.Context, socketID, eventType string, payload any) bool {
	if !n.live[socketID] {
		return false
	}
	n.emits = append(n.emits, emittedEvent{socketID, eventType, payload})
	return true
}

func newTestDispatch(store *mockTaskStore, queue *mockQueue, notifier *mockNotifier) *DispatchService {
	return NewDispatchService(store, queue, notifier, nil, nil)
}

// --- Submission ---

func TestSubmitCreatesCorrelationAndTaskRow(t *testing.T) {
	store := &mockTaskStore{}
	queue := &mockQueue{connected: true}
	svc := newTestDispatch(store, queue, &mockNotifier{})

	accepted, err := svc.Submit(context.Background(), "u1", "sock-1",
		task.SubmitRequest{Type: "data_analysis", Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := uuid.Parse(accepted.RequestID); err != nil {
		t.Fatalf("expected UUID-shaped request ID, got %q", accepted.RequestID)
	}
	if !svc.corr.has(accepted.RequestID) {
		t.Fatal("expected correlation entry for request ID")
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 task row, got %d", len(store.created))
	}
	if store.created[0].Status != task.StatusPending {
		t.Fatalf("expected status pending, got %q", store.created[0].Status)
	}
	if store.created[0].ID != accepted.RequestID {
		t.Fatal("task row ID must equal the request ID")
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(queue.published))
	}
	if queue.published[0].subject != messagequeue.SubjectSchedulerRequest {
		t.Fatalf("expected subject %q, got %q", messagequeue.SubjectSchedulerRequest, queue.published[0].subject)
	}
}

func TestSubmitEnvelopeShape(t *testing.T) {
	queue := &mockQueue{connected: true}
	svc := newTestDispatch(&mockTaskStore{}, queue, &mockNotifier{})

	accepted, err := svc.Submit(context.Background(), "u1", "sock-1",
		task.SubmitRequest{Type: "freight_quote", Data: json.RawMessage(`{"weight_kg":12.5,"zone":"DE-2"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env struct {
		Source    string          `json:"source"`
		Target    string          `json:"target"`
		Type      string          `json:"type"`
		Data      map[string]any  `json:"data"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(queue.published[0].data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if env.Source != "api_gateway" || env.Target != "core_scheduler" || env.Type != "user_request" {
		t.Fatalf("bad envelope header: %+v", env)
	}
	if env.Data["id"] != accepted.RequestID {
		t.Fatalf("expected data.id %q, got %v", accepted.RequestID, env.Data["id"])
	}
	if env.Data["type"] != "freight_quote" {
		t.Fatalf("expected data.type freight_quote, got %v", env.Data["type"])
	}
	if env.Data["weight_kg"] != 12.5 {
		t.Fatalf("expected payload field flattened into data, got %v", env.Data)
	}
	if len(env.Timestamp) == 0 {
		t.Fatal("expected timestamp in envelope")
	}
}

func TestSubmitBrokerDownHasNoSideEffects(t *testing.T) {
	store := &mockTaskStore{}
	queue := &mockQueue{connected: false}
	svc := newTestDispatch(store, queue, &mockNotifier{})

	_, err := svc.Submit(context.Background(), "u1", "sock-1",
		task.SubmitRequest{Type: "data_analysis"})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if svc.PendingCount() != 0 {
		t.Fatal("expected no correlation entry when broker is down")
	}
	if len(store.created) != 0 {
		t.Fatal("expected no task row when broker is down")
	}
}

func TestSubmitPersistFailureProceeds(t *testing.T) {
	store := &mockTaskStore{createErr: errors.New("db down")}
	queue := &mockQueue{connected: true}
	svc := newTestDispatch(store, queue, &mockNotifier{})

	accepted, err := svc.Submit(context.Background(), "u1", "sock-1",
		task.SubmitRequest{Type: "data_analysis"})
	if err != nil {
		t.Fatalf("persist failure must not fail the submission: %v", err)
	}
	if len(queue.published) != 1 {
		t.Fatal("expected dispatch to proceed despite persist failure")
	}
	if !svc.corr.has(accepted.RequestID) {
		t.Fatal("expected correlation entry despite persist failure")
	}
}

func TestSubmitPublishFailureRollsBackCorrelation(t *testing.T) {
	queue := &mockQueue{connected: true, publishErr: errors.New("broker gone")}
	svc := newTestDispatch(&mockTaskStore{}, queue, &mockNotifier{})

	_, err := svc.Submit(context.Background(), "u1", "sock-1",
		task.SubmitRequest{Type: "data_analysis"})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if svc.PendingCount() != 0 {
		t.Fatal("expected correlation entry rolled back after publish failure")
	}
}

func TestSubmitDefaultsUnknownSocket(t *testing.T) {
	queue := &mockQueue{connected: true}
	svc := newTestDispatch(&mockTaskStore{}, queue, &mockNotifier{})

	accepted, err := svc.Submit(context.Background(), "u1", "",
		task.SubmitRequest{Type: "data_analysis"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	socketID, ok := svc.corr.take(accepted.RequestID)
	if !ok || socketID != SocketUnknown {
		t.Fatalf("expected sentinel socket %q, got %q", SocketUnknown, socketID)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  task.SubmitRequest
	}{
		{"missing type", task.SubmitRequest{}},
		{"invalid data", task.SubmitRequest{Type: "x", Data: json.RawMessage(`{broken`)}},
		{"non-object payload", task.SubmitRequest{Type: "x", Data: json.RawMessage(`[1,2]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockTaskStore{}
			queue := &mockQueue{connected: true}
			svc := newTestDispatch(store, queue, &mockNotifier{})

			_, err := svc.Submit(context.Background(), "u1", "sock-1", tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(queue.published) != 0 || len(store.created) != 0 || svc.PendingCount() != 0 {
				t.Fatal("expected no side effects on validation failure")
			}
		})
	}
}

// --- Result consumption ---

func TestHandleResultDeliversExactlyOnce(t *testing.T) {
	store := &mockTaskStore{}
	notifier := &mockNotifier{live: map[string]bool{"sock-1": true}}
	svc := newTestDispatch(store, &mockQueue{connected: true}, notifier)

	svc.corr.bind("req-1", "sock-1")

	msg := []byte(`{"request_id":"req-1","status":"completed","value":42}`)
	svc.handleResult(context.Background(), msg)

	if len(store.updates) != 1 {
		t.Fatalf("expected 1 store update, got %d", len(store.updates))
	}
	if store.updates[0].status != task.StatusCompleted {
		t.Fatalf("expected status completed, got %q", store.updates[0].status)
	}
	if len(notifier.emits) != 1 {
		t.Fatalf("expected 1 emit, got %d", len(notifier.emits))
	}
	got := notifier.emits[0]
	if got.socketID != "sock-1" || got.eventType != ws.EventTaskUpdate {
		t.Fatalf("unexpected emit: %+v", got)
	}
	if string(got.payload.(json.RawMessage)) != string(msg) {
		t.Fatal("expected full result envelope forwarded to the client")
	}
	if svc.corr.has("req-1") {
		t.Fatal("expected correlation entry removed after delivery")
	}

	// Redelivery: row updated again, no second emit.
	svc.handleResult(context.Background(), msg)
	if len(store.updates) != 2 {
		t.Fatalf("expected redelivery to update the row, got %d updates", len(store.updates))
	}
	if len(notifier.emits) != 1 {
		t.Fatalf("expected no emit on redelivery, got %d", len(notifier.emits))
	}
}

func TestHandleResultNoLiveEntry(t *testing.T) {
	store := &mockTaskStore{}
	svc := newTestDispatch(store, &mockQueue{connected: true}, &mockNotifier{})

	// No correlation entry at all: client disconnected before completion.
	svc.handleResult(context.Background(), []byte(`{"request_id":"req-9","status":"failed","error":"zone unknown"}`))

	if len(store.updates) != 1 {
		t.Fatalf("expected task row updated, got %d updates", len(store.updates))
	}
	if store.updates[0].status != task.StatusFailed {
		t.Fatalf("expected status failed, got %q", store.updates[0].status)
	}
	if store.updates[0].errMsg != "zone unknown" {
		t.Fatalf("expected error message persisted, got %q", store.updates[0].errMsg)
	}
}

func TestHandleResultMissingStatusDefaultsCompleted(t *testing.T) {
	store := &mockTaskStore{}
	svc := newTestDispatch(store, &mockQueue{connected: true}, &mockNotifier{})

	svc.handleResult(context.Background(), []byte(`{"request_id":"req-2","value":1}`))

	if len(store.updates) != 1 || store.updates[0].status != task.StatusCompleted {
		t.Fatalf("expected missing status to default to completed, got %+v", store.updates)
	}
}

func TestHandleResultUnparsableMessage(t *testing.T) {
	store := &mockTaskStore{}
	svc := newTestDispatch(store, &mockQueue{connected: true}, &mockNotifier{})

	svc.handleResult(context.Background(), []byte(`{not json`))
	svc.handleResult(context.Background(), []byte(`{"status":"completed"}`)) // no request_id

	if len(store.updates) != 0 {
		t.Fatal("expected no store update for unparsable or incomplete results")
	}
}

func TestResultSubscriberAlwaysAcks(t *testing.T) {
	store := &mockTaskStore{updateErr: errors.New("db down")}
	queue := &mockQueue{connected: true}
	svc := newTestDispatch(store, queue, &mockNotifier{})

	if _, err := svc.StartResultSubscriber(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A store failure must not surface to the queue: the message is acked
	// and the status transition is lost, per the dispatch contract.
	if err := queue.handler(context.Background(), messagequeue.SubjectGatewayResponse,
		[]byte(`{"request_id":"req-3","status":"completed"}`)); err != nil {
		t.Fatalf("expected nil from handler despite store failure, got %v", err)
	}
	if err := queue.handler(context.Background(), messagequeue.SubjectGatewayResponse,
		[]byte(`garbage`)); err != nil {
		t.Fatalf("expected nil from handler for garbage message, got %v", err)
	}
}

func TestHandleResultSocketGoneAtEmit(t *testing.T) {
	store := &mockTaskStore{}
	notifier := &mockNotifier{live: map[string]bool{}} // socket registered but no longer live
	svc := newTestDispatch(store, &mockQueue{connected: true}, notifier)

	svc.corr.bind("req-4", "sock-gone")
	svc.handleResult(context.Background(), []byte(`{"request_id":"req-4","status":"completed"}`))

	if len(store.updates) != 1 {
		t.Fatal("expected row updated even when socket is gone")
	}
	if len(notifier.emits) != 0 {
		t.Fatal("expected no successful emit")
	}
	if svc.corr.has("req-4") {
		t.Fatal("expected entry removed even when delivery failed")
	}
}

// --- Socket lifecycle ---

func TestHandleSocketDisconnectScopedToSocket(t *testing.T) {
	svc := newTestDispatch(&mockTaskStore{}, &mockQueue{connected: true}, &mockNotifier{})

	svc.corr.bind("req-a", "sock-1")
	svc.corr.bind("req-b", "sock-1")
	svc.corr.bind("req-c", "sock-2")

	svc.HandleSocketDisconnect("sock-1")

	if svc.corr.has("req-a") || svc.corr.has("req-b") {
		t.Fatal("expected sock-1 entries removed")
	}
	if !svc.corr.has("req-c") {
		t.Fatal("expected sock-2 entry untouched")
	}
}

func TestRegisterRequestRebinds(t *testing.T) {
	notifier := &mockNotifier{live: map[string]bool{"sock-new": true}}
	svc := newTestDispatch(&mockTaskStore{}, &mockQueue{connected: true}, notifier)

	// Original socket went away with its entry; the client reconnects and
	// re-registers the request ID it still knows.
	svc.RegisterRequest("req-5", "sock-new")

	svc.handleResult(context.Background(), []byte(`{"request_id":"req-5","status":"completed"}`))
	if len(notifier.emits) != 1 || notifier.emits[0].socketID != "sock-new" {
		t.Fatalf("expected delivery to re-registered socket, got %+v", notifier.emits)
	}
}

func TestRegisterRequestIgnoresEmptyIDs(t *testing.T) {
	svc := newTestDispatch(&mockTaskStore{}, &mockQueue{connected: true}, &mockNotifier{})

	svc.RegisterRequest("", "sock-1")
	svc.RegisterRequest("req-1", "")

	if svc.PendingCount() != 0 {
		t.Fatal("expected no bindings for empty IDs")
	}
}
