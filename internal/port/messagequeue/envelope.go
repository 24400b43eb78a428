package messagequeue

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope source/target/type constants used on the a2a bus.
const (
	SourceGateway   = "api_gateway"
	TargetScheduler = "core_scheduler"
	TypeUserRequest = "user_request"
)

// RequestEnvelope is the message published to the core scheduler for each
// submitted task. Data carries the request ID, the task type, and the
// caller's payload fields flattened alongside them.
type RequestEnvelope struct {
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRequestEnvelope builds the wire envelope for a task submission.
// The payload must be a JSON object (or empty); its fields are flattened
// into data next to the generated id and task type.
func NewRequestEnvelope(requestID, taskType string, payload json.RawMessage) (*RequestEnvelope, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, errors.New("payload must be a JSON object")
		}
	}

	idJSON, _ := json.Marshal(requestID)
	typeJSON, _ := json.Marshal(taskType)
	fields["id"] = idJSON
	fields["type"] = typeJSON

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	return &RequestEnvelope{
		Source:    SourceGateway,
		Target:    TargetScheduler,
		Type:      TypeUserRequest,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Result is the minimal shape of a scheduler response. The full raw message
// is forwarded to clients untouched; only these fields drive gateway behavior.
type Result struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ParseResult decodes a response message and validates the request ID.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.RequestID == "" {
		return nil, errors.New("result missing request_id")
	}
	return &r, nil
}
