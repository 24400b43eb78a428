package http

import (
	"net/http"

	"github.com/freightgate/freightgate/internal/domain/task"
	"github.com/freightgate/freightgate/internal/middleware"
	"github.com/freightgate/freightgate/internal/service"
)

// headerSocketID lets a client tie its submission to an open WebSocket
// connection so the result can be pushed instead of polled.
const headerSocketID = "X-Socket-ID"

// maxBodySize limits request bodies; freight payloads are small JSON objects.
const maxBodySize = 1 << 20 // 1 MiB

// Handlers bundles the services exposed over HTTP.
type Handlers struct {
	Dispatch *service.DispatchService
	Tasks    *service.TaskService
	Auth     *service.AuthService
}

type submitResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// SubmitRequest accepts a task, dispatches it to the core scheduler, and
// returns the request ID immediately. The HTTP response never carries the
// task's eventual result.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	req, ok := readJSON[task.SubmitRequest](w, r, maxBodySize)
	if !ok {
		return
	}

	accepted, err := h.Dispatch.Submit(r.Context(), u.ID, r.Header.Get(headerSocketID), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Success:   true,
		RequestID: accepted.RequestID,
		Message:   "request dispatched",
	})
}

// ListTasks returns the caller's tasks, newest first.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	tasks, err := h.Tasks.List(r.Context(), u)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask returns a single task owned by the caller (or any task for admins).
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFrom(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	t, err := h.Tasks.Get(r.Context(), u, urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
