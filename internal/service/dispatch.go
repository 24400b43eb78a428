package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/freightgate/freightgate/internal/adapter/otel"
	"github.com/freightgate/freightgate/internal/adapter/ws"
	"github.com/freightgate/freightgate/internal/domain"
	"github.com/freightgate/freightgate/internal/domain/task"
	"github.com/freightgate/freightgate/internal/port/cache"
	"github.com/freightgate/freightgate/internal/port/messagequeue"
	"github.com/freightgate/freightgate/internal/port/realtime"
)

// SocketUnknown is the sentinel socket ID recorded when a caller submits a
// task without identifying its WebSocket connection. Such tasks never receive
// realtime delivery; the client must poll its task list instead.
const SocketUnknown = "unknown"

// Accepted is the synchronous half of a task submission: the request was
// persisted and dispatched, nothing more. The eventual result arrives
// out-of-band on the realtime channel, or not at all if the client is gone.
type Accepted struct {
	RequestID string `json:"request_id"`
}

// DispatchService owns the fire-and-forget dispatch path: it submits tasks to
// the core scheduler over the message bus, correlates responses back to the
// originating WebSocket connection, and records task state in the store.
type DispatchService struct {
	store    taskStore
	queue    messagequeue.Queue
	notifier realtime.Notifier
	cache    cache.Cache
	metrics  *otel.Metrics
	corr     *correlation
}

// taskStore is the slice of the database port the dispatcher needs.
type taskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	UpdateTaskResult(ctx context.Context, id string, status task.Status, result json.RawMessage, errMsg string) error
}

// NewDispatchService creates a DispatchService. cache and metrics may be nil.
func NewDispatchService(store taskStore, queue messagequeue.Queue, notifier realtime.Notifier, c cache.Cache, m *otel.Metrics) *DispatchService {
	return &DispatchService{
		store:    store,
		queue:    queue,
		notifier: notifier,
		cache:    c,
		metrics:  m,
		corr:     newCorrelation(),
	}
}

// Submit validates and dispatches a task to the core scheduler.
//
// The broker gate runs before any side effect: while the bus is disconnected
// no correlation entry and no task row are created. After the gate, the task
// row insert is best-effort: a persistence failure is logged and the dispatch
// proceeds, which can produce downstream work with no queryable record. A
// publish failure rolls back the correlation entry and surfaces as
// unavailable.
func (s *DispatchService) Submit(ctx context.Context, userID, socketID string, req task.SubmitRequest) (*Accepted, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	if !s.queue.IsConnected() {
		return nil, fmt.Errorf("message bus not connected: %w", domain.ErrUnavailable)
	}

	if socketID == "" {
		socketID = SocketUnknown
	}

	requestID := uuid.NewString()

	env, err := messagequeue.NewRequestEnvelope(requestID, req.Type, req.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	s.corr.bind(requestID, socketID)

	now := time.Now().UTC()
	t := &task.Task{
		ID:        requestID,
		UserID:    userID,
		Type:      req.Type,
		Status:    task.StatusPending,
		Priority:  req.Priority,
		Data:      req.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		slog.Error("task persist failed, dispatch continues", "request_id", requestID, "error", err)
		s.count(ctx, s.metricOrNil().PersistFailures)
	}

	if err := s.queue.Publish(ctx, messagequeue.SubjectSchedulerRequest, payload); err != nil {
		s.corr.drop(requestID)
		return nil, fmt.Errorf("publish to scheduler: %w", domain.ErrUnavailable)
	}

	s.count(ctx, s.metricOrNil().TasksSubmitted)
	slog.Info("task dispatched", "request_id", requestID, "type", req.Type, "socket_id", socketID)
	return &Accepted{RequestID: requestID}, nil
}

// RegisterRequest re-binds a request ID to a socket, covering page reloads
// where the client reconnects with a fresh socket but a known request ID.
func (s *DispatchService) RegisterRequest(requestID, socketID string) {
	if requestID == "" || socketID == "" {
		return
	}
	s.corr.bind(requestID, socketID)
	slog.Debug("request re-registered", "request_id", requestID, "socket_id", socketID)
}

// HandleSocketDisconnect removes every correlation entry owned by the socket.
func (s *DispatchService) HandleSocketDisconnect(socketID string) {
	if n := s.corr.dropSocket(socketID); n > 0 {
		slog.Debug("correlation entries dropped on disconnect", "socket_id", socketID, "count", n)
	}
}

// PendingCount returns the number of live correlation entries.
func (s *DispatchService) PendingCount() int {
	return s.corr.len()
}

// StartResultSubscriber consumes scheduler responses and processes each one.
// Every message is acknowledged regardless of outcome: there is no dead-letter
// or redelivery path, so a failed store update loses the status transition
// (the task stays pending until some reconciliation outside this subsystem).
func (s *DispatchService) StartResultSubscriber(ctx context.Context) (cancel func(), err error) {
	return s.queue.Subscribe(ctx, messagequeue.SubjectGatewayResponse, func(msgCtx context.Context, _ string, data []byte) error {
		s.handleResult(msgCtx, data)
		return nil
	})
}

// handleResult applies one scheduler response: update the task row, then
// deliver to the bound socket if one is still live.
func (s *DispatchService) handleResult(ctx context.Context, data []byte) {
	res, err := messagequeue.ParseResult(data)
	if err != nil {
		slog.Error("unparsable scheduler result, dropping", "error", err)
		return
	}
	s.count(ctx, s.metricOrNil().ResultsReceived)

	status := task.Status(res.Status)
	if res.Status == "" {
		// Schedulers that omit status are reported as completed for wire
		// compatibility; losing a failure signal here is worth knowing about.
		status = task.StatusCompleted
		slog.Warn("scheduler result missing status, defaulting to completed", "request_id", res.RequestID)
	}

	if err := s.store.UpdateTaskResult(ctx, res.RequestID, status, data, res.Error); err != nil {
		slog.Error("task result persist failed", "request_id", res.RequestID, "error", err)
		s.count(ctx, s.metricOrNil().PersistFailures)
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, taskCacheKey(res.RequestID))
	}

	socketID, ok := s.corr.take(res.RequestID)
	if !ok {
		// Client disconnected before completion; the row is updated and the
		// client falls back to polling.
		s.count(ctx, s.metricOrNil().DeliveriesDropped)
		return
	}

	if delivered := s.notifier.Emit(ctx, socketID, ws.EventTaskUpdate, json.RawMessage(data)); !delivered {
		slog.Debug("task update dropped, socket gone", "request_id", res.RequestID, "socket_id", socketID)
		s.count(ctx, s.metricOrNil().DeliveriesDropped)
		return
	}

	slog.Info("task update delivered", "request_id", res.RequestID, "status", status, "socket_id", socketID)
}

// metricOrNil lets the counter helpers stay nil-safe without sprinkling
// metrics checks through the dispatch path.
func (s *DispatchService) metricOrNil() *otel.Metrics {
	if s.metrics == nil {
		return &otel.Metrics{}
	}
	return s.metrics
}

func (s *DispatchService) count(ctx context.Context, c otel.Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func taskCacheKey(id string) string {
	return "task:" + id
}
