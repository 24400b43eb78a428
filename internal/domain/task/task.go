// Package task defines the Task domain entity tracked by the gateway.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the current state of a task as observed by the gateway.
// A task starts as pending and is overwritten exactly once by whatever status
// string the downstream result carries; there is no transition back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a known terminal state.
// Downstream schedulers may emit arbitrary status strings; anything
// other than pending is treated as terminal.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Task is a unit of asynchronous freight work requested by a user.
// The ID doubles as the correlation request ID on the message bus.
type Task struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         string          `json:"type"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority,omitempty"`
}

// Validate checks that the SubmitRequest has all required fields.
func (r *SubmitRequest) Validate() error {
	if r.Type == "" {
		return errors.New("type is required")
	}
	if len(r.Type) > 64 {
		return errors.New("type too long (max 64 chars)")
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return errors.New("data must be a valid JSON value")
	}
	return nil
}
